/*
	This file implements a monitor for storage I/O.  Engines and plane logs add
	to these counters, which can be exposed through a prometheus registry.
*/

package storage

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// StoreBytesRead counts value bytes read from a key-value engine.
	StoreBytesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mmstore",
		Subsystem: "kv",
		Name:      "bytes_read_total",
		Help:      "Value bytes read from the key-value engine.",
	})

	// StoreBytesWritten counts key and value bytes written to a key-value engine.
	StoreBytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mmstore",
		Subsystem: "kv",
		Name:      "bytes_written_total",
		Help:      "Key and value bytes written to the key-value engine.",
	})

	// FileBytesRead counts bytes read from plane files.
	FileBytesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mmstore",
		Subsystem: "file",
		Name:      "bytes_read_total",
		Help:      "Bytes read from plane files.",
	})

	// FileBytesWritten counts bytes appended to plane files.
	FileBytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mmstore",
		Subsystem: "file",
		Name:      "bytes_written_total",
		Help:      "Bytes appended to plane files.",
	})
)

// RegisterMetrics registers the storage I/O counters.  Registering the same
// counters twice is not an error.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{StoreBytesRead, StoreBytesWritten, FileBytesRead, FileBytesWritten} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
