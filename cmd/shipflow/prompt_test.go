package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipflow/overlay/internal/protocol"
)

func TestPromptCommandPrintsPrompt(t *testing.T) {
	cmd := newPromptCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"--file", "app/page.tsx", "--html", "<button>Buy</button>", "--instruction", "  make it blue  "})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Open app/page.tsx.")
	assert.Contains(t, out.String(), "<button>Buy</button>")
	assert.Contains(t, out.String(), "User request: make it blue\n")
}

func TestPromptCommandValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "missing instruction", args: []string{"--file", "app/page.tsx"}, want: protocol.MessageInstruction},
		{name: "no derivable path", args: []string{"--instruction", "make it blue"}, want: protocol.MessageUnderivablePath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newPromptCommand()
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			cmd.SetArgs(tt.args)
			err := cmd.Execute()
			require.Error(t, err)
			assert.Equal(t, tt.want, err.Error())
		})
	}
}
