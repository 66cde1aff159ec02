// Package util contains helpers shared by the CLI subcommands.
package util

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/buger/goterm"
	units "github.com/docker/go-units"
	log "github.com/sirupsen/logrus"

	"github.com/chorusdata/dsync/pkg/errors"
	"github.com/chorusdata/dsync/pkg/sync"
)

// HandleFatalError prints the friendliest form of err and exits.
func HandleFatalError(err error) {
	log.WithError(err).Debug("Fatal error")
	fmt.Fprintln(os.Stderr, goterm.Color(errors.GetPrintableMessage(err), goterm.RED))
	os.Exit(1)
}

// HandlePanic recovers from panics and exits with a request to report the
// crash, rather than dumping a raw stack trace on the user.
func HandlePanic() {
	if r := recover(); r != nil {
		fmt.Fprintf(os.Stderr, "dsync crashed: %v\n"+
			"Please report this at https://github.com/chorusdata/dsync/issues.\n", r)
		os.Exit(1)
	}
}

// ProgressPrinter prints transfer progress on an interval until stopped.
type ProgressPrinter struct {
	out      io.Writer
	message  string
	progress *sync.Progress
	stop     chan struct{}
	stopped  chan struct{}
}

// NewProgressPrinter creates a printer that prefixes each progress line with
// message. A nil progress prints the message once and then stays quiet.
func NewProgressPrinter(out io.Writer, message string, progress *sync.Progress) *ProgressPrinter {
	return &ProgressPrinter{
		out:      out,
		message:  message,
		progress: progress,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Run prints until Stop is called. It's meant to be run in its own goroutine.
func (pp *ProgressPrinter) Run() {
	defer close(pp.stopped)
	fmt.Fprintln(pp.out, pp.message)

	if pp.progress == nil {
		<-pp.stop
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fmt.Fprintf(pp.out, "  %s\n", pp.progress.Snapshot())
		case <-pp.stop:
			fmt.Fprintf(pp.out, "  %s\n", pp.progress.Snapshot())
			return
		}
	}
}

// Stop terminates the printer after a final progress line, and blocks until
// Run returns so output isn't interleaved with whatever prints next.
func (pp *ProgressPrinter) Stop() {
	close(pp.stop)
	<-pp.stopped
}

// PrintReport writes one line per node describing what the run did to it,
// followed by a summary.
func PrintReport(out io.Writer, result *sync.Result) {
	nodes := result.Nodes()
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Key < nodes[j].Key
	})

	counts := map[sync.Status]int{}
	for _, node := range nodes {
		counts[node.Status]++
		fmt.Fprintln(out, renderNode(node))
	}

	fmt.Fprintf(out, "\n%d transferred, %d created, %d skipped, %d failed\n",
		counts[sync.StatusTransferred], counts[sync.StatusCreated],
		counts[sync.StatusSkipped], counts[sync.StatusFailed])
}

func renderNode(node sync.NodeResult) string {
	line := fmt.Sprintf("%s  %s", renderStatus(node.Status), node.Key)
	if node.Attempts > 1 {
		line += fmt.Sprintf(" (%d attempts)", node.Attempts)
	}
	if node.Err != nil {
		line += ": " + errors.GetPrintableMessage(node.Err)
	}
	return line
}

func renderStatus(status sync.Status) string {
	// Padded to equal width so the keys line up.
	switch status {
	case sync.StatusTransferred:
		return goterm.Color("transferred", goterm.GREEN)
	case sync.StatusCreated:
		return goterm.Color("created    ", goterm.GREEN)
	case sync.StatusSkipped:
		return goterm.Color("skipped    ", goterm.YELLOW)
	case sync.StatusFailed:
		return goterm.Color("failed     ", goterm.RED)
	default:
		return status.String()
	}
}

// FormatBytes renders a byte count the way the rest of the CLI does.
func FormatBytes(n int64) string {
	return units.BytesSize(float64(n))
}
