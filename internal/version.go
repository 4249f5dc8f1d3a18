package internal

import "github.com/polymon/polymon/pkg/version"

// Version contains version and Git commit information.
var Version = version.Version("0.3.0")
