package apt

import (
	"fmt"
	"strings"
)

// Selection is one line of `dpkg --get-selections` output.
type Selection struct {
	Package string
	State   string // "install", "hold", "deinstall", "purge"
}

// SourceEntry is a one-line APT source in the classic list format.
type SourceEntry struct {
	Arch       string
	SignedBy   string
	URL        string
	Suite      string
	Components []string
}

// String renders the entry as a sources.list line.
func (e SourceEntry) String() string {
	var opts []string
	if e.Arch != "" {
		opts = append(opts, "arch="+e.Arch)
	}
	if e.SignedBy != "" {
		opts = append(opts, "signed-by="+e.SignedBy)
	}

	var sb strings.Builder
	sb.WriteString("deb ")
	if len(opts) > 0 {
		sb.WriteString(fmt.Sprintf("[%s] ", strings.Join(opts, " ")))
	}
	sb.WriteString(e.URL)
	sb.WriteString(" ")
	sb.WriteString(e.Suite)
	components := e.Components
	if len(components) == 0 {
		components = []string{"main"}
	}
	for _, c := range components {
		sb.WriteString(" ")
		sb.WriteString(c)
	}
	return sb.String()
}
