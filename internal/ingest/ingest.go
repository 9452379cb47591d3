// Package ingest loads source papers as plain text for the extraction pipeline.
//
// Each supported format (plain text, PDF) has its own importer that implements
// the Importer interface. The engine picks an importer by file extension,
// normalizes whitespace and dashes, and trims everything after the last
// "references" heading.
package ingest
