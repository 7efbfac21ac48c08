// xmlorganizer: per-run HTML report for drain mode
package main

import (
	"fmt"
	"html"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// teeAuditSink forwards every event to both sinks.
type teeAuditSink [2]AuditSink

func (t teeAuditSink) Event(name string, fields ...zap.Field) {
	t[0].Event(name, fields...)
	t[1].Event(name, fields...)
}

// runCollector is an AuditSink that accumulates the per-file outcomes of a
// single drain run for the report.
type runCollector struct {
	mu         sync.Mutex
	archived   [][2]string // access key, destination
	duplicates [][2]string // reason, detail
	deadLetter [][2]string // file, final error
}

func newRunCollector() *runCollector { return &runCollector{} }

func (c *runCollector) Event(name string, fields ...zap.Field) {
	kv := map[string]string{}
	for _, f := range fields {
		if f.Type == zapcore.StringType {
			kv[f.Key] = f.String
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch name {
	case evFileSuccess:
		c.archived = append(c.archived, [2]string{kv["access_key"], kv["destination"]})
	case evFileDuplicate:
		detail := kv["hash"]
		if kv["existing"] != "" {
			detail = kv["existing"]
		}
		c.duplicates = append(c.duplicates, [2]string{kv["reason"], detail})
	case evFileDeadLetter:
		c.deadLetter = append(c.deadLetter, [2]string{kv["file"], kv["final_error"]})
	}
}

// writeRunReport generates the HTML summary of one drain run.
func writeRunReport(path string, c *runCollector, stats BatchStats, elapsed time.Duration) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	c.mu.Lock()
	defer c.mu.Unlock()

	f.WriteString("<html><head><title>xmlorganizer run report</title></head><body>")
	f.WriteString("<h1>xmlorganizer Run Report</h1>")
	f.WriteString("<h2>Summary</h2><ul>")
	f.WriteString(fmt.Sprintf("<li>Archived: %d</li>", stats.Success))
	f.WriteString(fmt.Sprintf("<li>Duplicates: %d</li>", stats.Duplicate))
	f.WriteString(fmt.Sprintf("<li>Errors: %d</li>", stats.Failed))
	f.WriteString(fmt.Sprintf("<li>Total attempts: %d</li>", stats.Attempts))
	f.WriteString(fmt.Sprintf("<li>Elapsed: %s</li>", elapsed.Round(time.Millisecond)))
	f.WriteString("</ul>")

	if len(c.archived) > 0 {
		f.WriteString("<h2>Archived Documents</h2><ul>")
		for _, pair := range c.archived {
			dest := html.EscapeString(pair[1])
			f.WriteString(fmt.Sprintf("<li>%s → <a href=\"file://%s\">%s</a></li>",
				html.EscapeString(pair[0]), dest, dest))
		}
		f.WriteString("</ul>")
	}
	if len(c.duplicates) > 0 {
		f.WriteString("<h2>Duplicates</h2><ul>")
		for _, pair := range c.duplicates {
			f.WriteString(fmt.Sprintf("<li>%s — %s</li>",
				html.EscapeString(pair[0]), html.EscapeString(pair[1])))
		}
		f.WriteString("</ul>")
	}
	if len(c.deadLetter) > 0 {
		f.WriteString("<h2>Dead Letter</h2><ul>")
		for _, pair := range c.deadLetter {
			f.WriteString(fmt.Sprintf("<li>%s — %s</li>",
				html.EscapeString(pair[0]), html.EscapeString(pair[1])))
		}
		f.WriteString("</ul>")
	}
	f.WriteString("</body></html>")
	return nil
}
