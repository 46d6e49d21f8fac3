// Package agent contains the units of work the dispatcher fans a command out
// to. Every agent receives the same approved command, shares no mutable state
// with its siblings and reports either a result string or a classified error.
package agent
