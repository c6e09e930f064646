// Package aggerr defines the error taxonomy shared by the aggregation pipeline.
//
// Callers classify failures with errors.As. ConfigError is fatal before any
// processing starts; SchemaError, ParseError and ConsistencyError abort a run;
// EmptyClusterError is recoverable and only causes the cluster to be skipped.
package aggerr

import (
	"errors"
	"fmt"
)

// ConfigError reports a missing or unusable input, output or setting.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// SchemaError reports a structural problem with an input table: a missing
// header, an unknown column or a row whose width does not match the header.
type SchemaError struct {
	Path string
	Line int    // 1-based line number, 0 if not tied to a line
	Gene string // set for expression matrix rows
	Msg  string
}

func (e *SchemaError) Error() string {
	loc := e.Path
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d", e.Path, e.Line)
	}
	if e.Gene != "" {
		return fmt.Sprintf("schema: %s: gene %q: %s", loc, e.Gene, e.Msg)
	}
	return fmt.Sprintf("schema: %s: %s", loc, e.Msg)
}

// ParseError reports a non-numeric expression value.
type ParseError struct {
	Line    int
	Gene    string
	Cell    string
	Cluster string
	Value   string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse: line %d: gene %q, cluster %q, cell %q: invalid value %q: %v",
		e.Line, e.Gene, e.Cluster, e.Cell, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// EmptyClusterError reports a cluster with no cells to aggregate.
type EmptyClusterError struct {
	Cluster string

	// Members is the number of cells assigned to the cluster in the
	// metadata. When it is non-zero none of those cells were present
	// in the expression matrix header.
	Members int
}

func (e *EmptyClusterError) Error() string {
	if e.Members == 0 {
		return fmt.Sprintf("cluster %q has no cells in metadata", e.Cluster)
	}
	return fmt.Sprintf("cluster %q: none of its %d cells are present in the expression matrix", e.Cluster, e.Members)
}

// ConsistencyError reports a result row whose gene count or order disagrees
// with the captured gene header.
type ConsistencyError struct {
	Cluster string
	Want    int
	Got     int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency: cluster %q has %d values, gene header has %d", e.Cluster, e.Got, e.Want)
}

// Recoverable reports whether err only affects a single cluster and the run
// may continue.
func Recoverable(err error) bool {
	var empty *EmptyClusterError
	return errors.As(err, &empty)
}
