// Package feedback stores user and agent preference signals and distills
// them into the preference context that retrieval uses for learning-based
// reranking. Entries share the service's sqlite file with the task tables,
// next to the outbox database.
package feedback
