// The main package for the newsgather executable.
package main

import (
	"github.com/dmaraist/newsgather/cmd"
)

func main() {
	cmd.Execute()
}
