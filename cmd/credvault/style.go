package main

import "github.com/fatih/color"

// Output styles. fatih/color drops the escapes when stdout is not a
// terminal, when NO_COLOR is set, or with --no-color.
var (
	okFmt   = color.New(color.FgGreen).SprintFunc()
	warnFmt = color.New(color.FgYellow).SprintFunc()
	errFmt  = color.New(color.FgRed, color.Bold).SprintFunc()
	dimFmt  = color.New(color.Faint).SprintFunc()
)

// severityFmt colors a label by issue severity.
func severityFmt(severity string) func(a ...any) string {
	switch severity {
	case "critical":
		return errFmt
	case "warning":
		return warnFmt
	default:
		return dimFmt
	}
}

// scoreFmt colors a 0-100 score.
func scoreFmt(score int) func(a ...any) string {
	switch {
	case score >= 70:
		return okFmt
	case score >= 50:
		return warnFmt
	default:
		return errFmt
	}
}
