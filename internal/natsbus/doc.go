// Package natsbus publishes run events to NATS so processes outside the
// orchestrator can follow runs. Each event is a JSON message on
//
//	<prefix>.<runID>.<type>
//
// where type is "step" or "completed". Subscribers use "<prefix>.*.completed"
// or "<prefix>.<runID>.>" to follow everything or one run.
package natsbus
