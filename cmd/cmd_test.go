package cmd

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCrawlCommandRunsWithDefaults(t *testing.T) {
	// No config file and no registered websites: the run is a no-op
	// over the in-memory store.
	root := newRootCmd()
	root.SetArgs([]string{"crawl"})
	require.NoError(t, root.Execute())
}

func TestRootHelpListsSubcommands(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--help"})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "crawl")
	require.Contains(t, out.String(), "serve")
	require.Contains(t, out.String(), "extract")
}

func TestExtractCommandRequiresURL(t *testing.T) {
	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"extract"})
	err := root.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "url")
}
