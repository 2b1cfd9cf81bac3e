// Package hds implements a filter that turns an HTTP Dynamic Streaming (HDS)
// manifest and its bootstrap fragment-run tables into a single continuous
// FLV byte stream, fetching fragments over HTTP as the consumer reads.
package hds
