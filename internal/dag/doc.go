// Package dag builds and validates the step dependency graph for a
// parsed workflow definition. It is the only component that understands
// graph structure: the executor consumes the Graph it produces, never the
// raw definition. Validation happens entirely before execution: unknown
// dependency ids, unknown step references inside config expressions, and
// dependency cycles are all rejected here.
package dag
