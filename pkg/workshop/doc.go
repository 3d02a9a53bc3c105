// Package workshop provides type-safe Go definitions for the atelier design
// workshop: its data model, the typed events emitted on the workshop stream,
// the REST path patterns and the error taxonomy surfaced by the core.
//
// # Overview
//
// A workshop runs six sequential phases (Setup, Empathy, Ideation,
// Convergence, TRIZ, Selection). Simulated agents generate, vote on and
// enrich ideas, and report their activity on a server-sent event stream.
// The backend owns every record; the client core only caches and reconciles.
//
// # Events
//
// Stream messages are normalized once, at the decoding boundary, into an
// Event carrying a closed set of typed payloads. Legacy spellings such as
// agent_completed are folded into their canonical tag, and anything that
// fails to parse is kept as a message event with its raw bytes:
//
//	ev := workshop.Decode("idea_generated", data, sseID)
//	switch p := ev.Payload.(type) {
//	case workshop.IdeaGenerated:
//		fmt.Println(p.Idea.Title)
//	case workshop.Message:
//		log.Printf("untyped message: %s", p.Text)
//	}
//
// # Paths
//
// Workshop: /workshops/{id}
// Stream: /workshops/{id}/stream
// Advance: /workshops/{id}/advance
// Phase-local actions: /workshops/{id}/phase{N}/{action}
//
// # Errors
//
// TransportError, RequestError, TimeoutError and ValidationError are kept
// distinct so callers can tell a dead stream from a rejected request from a
// stalled activity from a locally refused operation. Classify maps any error
// to its ErrorKind.
package workshop
