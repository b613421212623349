package colours

import "github.com/fatih/color"

// Color scheme for the CLI
var (
	Title     = color.New(color.FgCyan, color.Bold)
	Narration = color.New(color.FgWhite)
	Question  = color.New(color.FgMagenta, color.Bold)
	Option    = color.New(color.FgCyan)
	Child     = color.New(color.FgYellow)
	Prompt    = color.New(color.FgGreen, color.Bold)
	Error     = color.New(color.FgRed, color.Bold)
	Success   = color.New(color.FgGreen)
	Info      = color.New(color.FgBlue)
	Warning   = color.New(color.FgYellow)
)
