/*
	This file holds types and functions supporting command-line requests to
	mmstore.  A Command bundles the operation name with "key=value" settings.
*/

package mm

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Keys for setting various arguments within the command line via "key=value" strings.
const (
	KeyDatasetDir = "dir"
	KeyConfigFile = "config"
	KeyWeb        = "web"
	KeyAxes       = "axes"
	KeyLevel      = "level"
	KeyOutput     = "out"
	KeyBucket     = "bucket"
	KeyPrefix     = "prefix"
)

// Command holds a command-line request.  The first item is the command name,
// e.g., "info" or "export".  Other items are positional arguments or settings
// of the form "<key>=<value>".
type Command []string

// String returns a space-separated command line
func (cmd Command) String() string {
	return strings.Join([]string(cmd), " ")
}

// Name returns the first argument which is assumed to be the name of the command.
func (cmd Command) Name() string {
	if len(cmd) == 0 {
		return ""
	}
	return cmd[0]
}

// Parameter scans a command for any "key=value" argument and returns
// the value of the passed 'key'.  Values may themselves contain '=', as in
// "axes=channel=1,time=2".
func (cmd Command) Parameter(key string) (value string, found bool) {
	if len(cmd) > 1 {
		for _, arg := range cmd[1:] {
			elems := strings.SplitN(arg, "=", 2)
			if len(elems) == 2 && elems[0] == key {
				value = elems[1]
				found = true
				return
			}
		}
	}
	return
}

// IntParameter returns an integer setting or the given default if absent.
func (cmd Command) IntParameter(key string, defaultValue int) (int, error) {
	s, found := cmd.Parameter(key)
	if !found {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad %q setting %q: %v", key, s, err)
	}
	return i, nil
}

// DatasetDir returns a directory specified in the arguments via "dir=..." or
// defaults to the current directory.
func (cmd Command) DatasetDir() (string, error) {
	dir, found := cmd.Parameter(KeyDatasetDir)
	if !found {
		return os.Getwd()
	}
	return dir, nil
}
