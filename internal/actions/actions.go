// Package actions implements the side effects attached to module decisions.
package actions

// Action type names used in configuration.
const (
	TypeBlock     = "block"
	TypeChallenge = "challenge"
	TypeLog       = "log"
	TypeKafka     = "kafka"
)

const contentTypeText = "text/plain; charset=utf-8"
