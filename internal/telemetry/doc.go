// Package telemetry holds the shapes shared by the relay and its viewers:
// the decoded device reading, the live feed envelope, the bounded rolling
// window used for charts, and the gate label table.
package telemetry
