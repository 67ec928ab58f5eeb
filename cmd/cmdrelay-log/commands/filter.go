package commands

import (
	"fmt"
	"io"

	"github.com/cmdrelay/cmdrelay/pkg/log"
)

// RunFilter copies the matching events of the log at path to output,
// which is written in the same CBOR format. It returns the number of
// events written.
func RunFilter(path, output string, opts FilterOptions, w io.Writer) (int, error) {
	filter, err := opts.Build()
	if err != nil {
		return 0, err
	}
	reader, err := openReader(path, filter)
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	logger, err := log.NewFileLogger(output)
	if err != nil {
		return 0, fmt.Errorf("failed to create output logger: %w", err)
	}

	count := 0
	err = eachEvent(reader, func(event log.Event) error {
		logger.Log(event)
		count++
		return nil
	})
	if cerr := logger.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return count, err
	}
	if n := logger.Errors(); n > 0 {
		return count - n, fmt.Errorf("failed to write %d events", n)
	}

	fmt.Fprintf(w, "Filtered %d events to %s\n", count, output)
	return count, nil
}
