package git

import (
	"fmt"
	"strings"
)

// FileChange is one healed file as it appears in a commit message
type FileChange struct {
	Path   string
	Before float64
	After  float64
}

// CommitMessageRequest contains information for building a healing commit message.
type CommitMessageRequest struct {
	// RunID ties the commit back to the run history
	RunID string

	// Files lists the healed files with their coherence before and after
	Files []FileChange

	// PreCoherence and PostCoherence are repository averages
	PreCoherence  float64
	PostCoherence float64
}

// maxListedFiles bounds the body so large runs keep readable messages
const maxListedFiles = 20

// BuildCommitMessage renders a conventional commit message for a healing run.
func BuildCommitMessage(req CommitMessageRequest) string {
	var sb strings.Builder

	noun := "files"
	if len(req.Files) == 1 {
		noun = "file"
	}
	fmt.Fprintf(&sb, "fix(mend): heal %d %s (coherence %.3f -> %.3f)\n",
		len(req.Files), noun, req.PreCoherence, req.PostCoherence)

	if len(req.Files) > 0 {
		sb.WriteString("\n")
		for i, f := range req.Files {
			if i == maxListedFiles {
				fmt.Fprintf(&sb, "- ... and %d more\n", len(req.Files)-maxListedFiles)
				break
			}
			fmt.Fprintf(&sb, "- %s: %.3f -> %.3f\n", f.Path, f.Before, f.After)
		}
	}

	if req.RunID != "" {
		fmt.Fprintf(&sb, "\nMend-Run: %s\n", req.RunID)
	}
	return sb.String()
}
