package ffmpeg

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/shlex"
)

// blockedFlags would let a caller read or write files other than the job's own.
var blockedFlags = []string{
	"-i", "-y", "-n", "-f", "-map",
	"-filter_script", "-filter_complex_script",
	"-attach", "-dump_attachment",
	"-progress", "-vstats_file", "-passlogfile",
}

// SplitCommand splits an argument string without involving a shell.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid argument syntax: %w", err)
	}
	return args, nil
}

// SanitizeAndValidateArgs rejects extra arguments that could escape the job's
// input/output pair.
func SanitizeAndValidateArgs(args []string) error {
	for _, arg := range args {
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
		if slices.Contains(blockedFlags, strings.SplitN(arg, ":", 2)[0]) {
			return fmt.Errorf("disallowed option: %s", arg)
		}
		if strings.Contains(arg, "://") || strings.Contains(arg, "..") {
			return fmt.Errorf("disallowed path or URL in argument: %s", arg)
		}
	}
	return nil
}

// ParseExtraArgs splits and validates the user-supplied extra arguments.
func ParseExtraArgs(extra string) ([]string, error) {
	if strings.TrimSpace(extra) == "" {
		return nil, nil
	}
	args, err := SplitCommand(extra)
	if err != nil {
		return nil, err
	}
	if err := SanitizeAndValidateArgs(args); err != nil {
		return nil, err
	}
	return args, nil
}
