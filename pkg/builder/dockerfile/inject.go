package dockerfile

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// cmdSettleCommand follows the wait command in CMD instructions
const cmdSettleCommand = " sleep 10; "

var (
	runInstruction      = regexp.MustCompile(`(?i)^[ \t]*RUN `)
	cmdInstruction      = regexp.MustCompile(`(?i)^[ \t]*CMD `)
	cmdExecForm         = regexp.MustCompile(`(?i)^[ \t]*CMD[ \t]+\[.*\][ \t]*$`)
	execFormArray       = regexp.MustCompile(`\[.*\]`)
	continuationPattern = regexp.MustCompile(`\\[ \t]*$`)
)

// InjectWaitForNetwork makes every RUN and CMD instruction run waitCmd first.
// Continuation lines are left alone, so a multi-line RUN gets the command exactly once.
// Exec-form CMDs are flattened into shell form. An empty waitCmd disables the pass.
func InjectWaitForNetwork(dockerfile, waitCmd string) string {
	if waitCmd == "" {
		return dockerfile
	}

	lines := strings.Split(dockerfile, "\n")
	var carry bool
	for i, line := range lines {
		if !carry {
			lines[i] = injectLine(line, waitCmd)
		}
		carry = continuationPattern.MatchString(line)
	}
	return strings.Join(lines, "\n")
}

func injectLine(line, waitCmd string) string {
	if loc := runInstruction.FindStringIndex(line); loc != nil {
		return line[:loc[1]] + waitCmd + line[loc[1]:]
	}

	if cmdExecForm.MatchString(line) {
		flat, ok := flattenExecForm(execFormArray.FindString(line))
		if !ok {
			return line
		}
		line = strings.Replace(line, execFormArray.FindString(line), flat, 1)
	}
	if loc := cmdInstruction.FindStringIndex(line); loc != nil {
		return line[:loc[1]] + waitCmd + cmdSettleCommand + line[loc[1]:]
	}
	return line
}

// flattenExecForm turns `["a", "b"]` into `a b`
func flattenExecForm(array string) (string, bool) {
	var elems []interface{}
	if err := json.Unmarshal([]byte(array), &elems); err != nil {
		return "", false
	}
	parts := make([]string, len(elems))
	for i, e := range elems {
		parts[i] = fmt.Sprint(e)
	}
	return strings.Join(parts, " "), true
}
