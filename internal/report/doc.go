// Package report renders the setup journal for people and tools.
//
// A History groups journal events into sessions (one per node run). Writers
// render it as plain text for the terminal, JSON for tooling, or GitHub
// flavored Markdown with a mermaid chart of the event distribution.
package report
