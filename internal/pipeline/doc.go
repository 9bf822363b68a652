// Package pipeline builds the exact prompt sent to the model for one turn.
//
// The pieces are deliberately pure: token estimation, keyword retrieval over
// precomputed document chunks, and budgeted assembly of the message list.
// Nothing here does I/O, so identical inputs always produce identical
// prompts.
package pipeline
