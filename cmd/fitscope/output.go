package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"

	"github.com/kalambet/fitscope/internal/breaker"
	"github.com/kalambet/fitscope/internal/tiles"
)

var (
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
	cyan   = color.New(color.FgCyan)
	bold   = color.New(color.Bold)
)

func printSuccess(format string, args ...any) {
	fmt.Fprintln(os.Stderr, green.Sprint("✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(os.Stderr, red.Sprint("✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(os.Stderr, yellow.Sprint("⚠ "+fmt.Sprintf(format, args...)))
}

func printStep(format string, args ...any) {
	fmt.Fprintln(os.Stderr, cyan.Sprint("→ "+fmt.Sprintf(format, args...)))
}

func printStatus(w io.Writer, label string, format string, args ...any) {
	fmt.Fprintf(w, "  %s %s\n", bold.Sprint(label+":"), fmt.Sprintf(format, args...))
}

func stateLabel(s breaker.State) string {
	switch s {
	case breaker.Closed:
		return green.Sprint(s.String())
	case breaker.HalfOpen:
		return yellow.Sprint(s.String())
	default:
		return red.Sprint(s.String())
	}
}

func qualityLabel(q tiles.Quality) string {
	switch q {
	case tiles.QualityHigh:
		return green.Sprint(string(q))
	case tiles.QualityMedium:
		return yellow.Sprint(string(q))
	default:
		return red.Sprint(string(q))
	}
}

// printTiles renders a fetch result in dashboard order.
func printTiles(w io.Writer, res tiles.Result) {
	for _, t := range tiles.AllTypes() {
		td, ok := res[t]
		if !ok {
			continue
		}
		marker := green.Sprint("●")
		switch {
		case td.Degraded:
			marker = red.Sprint("○")
		case td.FromCache:
			marker = cyan.Sprint("◐")
		}
		fmt.Fprintf(w, "%s %s  confidence %.2f  quality %s\n", marker, bold.Sprint(t.Title()), td.Confidence, qualityLabel(td.DataQuality))
		if td.Explanation != "" {
			fmt.Fprintf(w, "    %s\n", td.Explanation)
		}
		for _, m := range td.Metrics {
			fmt.Fprintf(w, "    %s: %g%s\n", m.Name, m.Value, m.Unit)
		}
		if td.Degraded && td.DegradedReason != "" {
			fmt.Fprintf(w, "    %s\n", yellow.Sprint("degraded: "+td.DegradedReason))
		}
	}
}
