package xrpl

import "strings"

type resultClass int

const (
	// classProvisional results may still succeed or claim a fee once validated.
	classProvisional resultClass = iota
	// classLocal results were not applied or relayed and can be retried.
	classLocal
	// classRejected results can never be applied.
	classRejected
)

// classify maps a preliminary engine result to how the submission should proceed.
//
//	tes  provisional success
//	tec  applied with a failure code once validated; fee claimed
//	ter  queued or retried by the server
//	tel  local failure, not relayed
//	tem  malformed
//	tef  failed and cannot succeed, for example a past sequence
func classify(engineResult string) resultClass {
	switch {
	case strings.HasPrefix(engineResult, "tel"):
		return classLocal
	case strings.HasPrefix(engineResult, "tem"), strings.HasPrefix(engineResult, "tef"):
		return classRejected
	default:
		return classProvisional
	}
}
