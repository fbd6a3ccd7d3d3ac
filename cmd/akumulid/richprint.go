package main

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// Console escape codes used by the markdown subset: **bold**, __emphasis__,
// and `underline`.
const (
	escBold = "\033[1m"
	escEmph = "\033[3m"
	escUndr = "\033[4m"
	escNorm = "\033[0m"
)

// plainText disables formatting when stdout is not a terminal.
var plainText = !term.IsTerminal(int(os.Stdout.Fd()))

// cliFormat converts the markdown subset in one line to console escape
// codes. With plain text output the markers are stripped instead.
func cliFormat(line string) string {
	format := func(s, pattern, open string) string {
		var b strings.Builder
		token := 0
		for {
			i := strings.Index(s, pattern)
			if i < 0 {
				b.WriteString(s)
				return b.String()
			}
			b.WriteString(s[:i])
			if token%2 == 0 {
				b.WriteString(open)
			} else {
				b.WriteString(escNorm)
			}
			token++
			s = s[i+len(pattern):]
		}
	}

	if plainText {
		line = format(line, "**", "")
		line = format(line, "__", "")
		line = format(line, "`", "")
		return strings.ReplaceAll(line, escNorm, "")
	}
	line = format(line, "**", escBold)
	line = format(line, "__", escEmph)
	line = format(line, "`", escUndr)
	return line
}

// richPrint converts the markdown subset to console escape codes and
// prints the message line by line.
func richPrint(msg string) {
	for _, line := range strings.Split(msg, "\n") {
		fmt.Println(cliFormat(line))
	}
}

// richPrintf formats and prints one markdown line.
func richPrintf(format string, args ...interface{}) {
	fmt.Println(cliFormat(fmt.Sprintf(format, args...)))
}

// failure reports a fatal error to stderr.
func failure(err error) {
	fmt.Fprintln(os.Stderr, cliFormat(fmt.Sprintf("**FAILURE** %v", err)))
}
