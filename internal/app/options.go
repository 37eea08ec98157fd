package app

import "errors"

// Options holds the command-line level settings for one App instance.
type Options struct {
	ConfigPath string

	LogFormat string
	LogLevel  string
	Workers   int
}

// NewOptions validates the raw option values.
func NewOptions(opts Options) (*Options, error) {
	if opts.ConfigPath == "" {
		return nil, errors.New("a configuration file path is required")
	}
	return &opts, nil
}
