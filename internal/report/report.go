package report

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"archiver/internal/model"

	"github.com/dustin/go-humanize"
)

type Outcome int

const (
	AlreadyUploaded Outcome = iota
	Succeeded
	Errored
)

func (o Outcome) String() string {
	switch o {
	case AlreadyUploaded:
		return "already uploaded"
	case Succeeded:
		return "succeeded"
	case Errored:
		return "errored"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Result is one adaptor's verdict on one staged file.
type Result struct {
	Adaptor  string
	Outcome  Outcome
	Err      error // last error when Errored
	Attempts int
	Duration time.Duration
}

// Uploaded means bytes were transferred by this run.
func (r Result) Uploaded() bool { return r.Outcome == Succeeded }

func (r Result) ok() bool {
	return r.Outcome == AlreadyUploaded || r.Outcome == Succeeded
}

type Entry struct {
	ManifestPath string
	Descriptor   *model.UploadDescriptor
	Results      []Result
	// SkipReason is set when the entry could not be attempted at all (corrupt manifest, missing content).
	SkipReason string
}

// IsSuccess is true when every adaptor either has the content or just took it.
// An entry nobody was asked about is not a success.
func (e Entry) IsSuccess() bool {
	if e.SkipReason != "" || len(e.Results) == 0 {
		return false
	}
	for _, r := range e.Results {
		if !r.ok() {
			return false
		}
	}
	return true
}

func (e Entry) Name() string {
	if e.Descriptor != nil {
		return e.Descriptor.DeviceName + ":" + e.Descriptor.LogicalName
	}
	return e.ManifestPath
}

// Report is the in-memory record of one upload run.
type Report struct {
	Started  time.Time
	Finished time.Time
	entries  []Entry
}

func New(started time.Time) *Report {
	return &Report{Started: started}
}

// Record appends in arrival order.
func (r *Report) Record(e Entry) {
	r.entries = append(r.entries, e)
}

func (r *Report) Entries() []Entry {
	return append([]Entry(nil), r.entries...)
}

type Summary struct {
	Entries   int
	Succeeded int
	Failed    int
	Skipped   int
	// Bytes of content newly transferred, counted once per successful adaptor.
	Uploaded int64
	Deduped  int
}

func (r *Report) Summary() Summary {
	var s Summary
	for _, e := range r.entries {
		s.Entries++
		switch {
		case e.SkipReason != "":
			s.Skipped++
		case e.IsSuccess():
			s.Succeeded++
		default:
			s.Failed++
		}
		for _, res := range e.Results {
			switch res.Outcome {
			case Succeeded:
				if e.Descriptor != nil {
					s.Uploaded += e.Descriptor.Size
				}
			case AlreadyUploaded:
				s.Deduped++
			}
		}
	}
	return s
}

var funcs = template.FuncMap{
	"bytes": func(n int64) string {
		if n < 0 {
			n = 0
		}
		return humanize.Bytes(uint64(n))
	},
	"dur": func(d time.Duration) string {
		if d < time.Millisecond {
			return d.String()
		}
		return d.Round(time.Millisecond).String()
	},
	"comma": func(n int) string { return humanize.Comma(int64(n)) },
	"when":  func(t time.Time) string { return t.Format("2006-01-02 15:04:05 MST") },
	"status": func(e Entry) string {
		switch {
		case e.SkipReason != "":
			return "SKIPPED"
		case e.IsSuccess():
			return "OK"
		}
		return "FAILED"
	},
	"elapsed": func(r *Report) string {
		if r.Started.IsZero() || r.Finished.IsZero() {
			return "unknown"
		}
		return r.Finished.Sub(r.Started).Round(time.Second).String()
	},
}

var plaintext = template.Must(template.New("report").Funcs(funcs).Parse(strings.TrimLeft(`
Archiver upload report
{{- if not .R.Started.IsZero}}
Started: {{when .R.Started}}{{end}}
{{range .Entries}}
[{{status .}}] {{.Name}}
{{- with .Descriptor}} ({{bytes .Size}}, {{.ContentHash}}){{end}}
{{- if .SkipReason}}
    skipped: {{.SkipReason}}
{{- end}}
{{- range .Results}}
    {{.Adaptor}}: {{.Outcome}}
    {{- if .Uploaded}} in {{dur .Duration}}{{if gt .Attempts 1}} after {{.Attempts}} attempts{{end}}{{end}}
    {{- if .Err}} ({{.Err}}){{end}}
{{- end}}
{{else}}
Nothing was staged for upload.
{{end}}
Summary: {{comma .S.Entries}} files, {{comma .S.Succeeded}} archived, {{comma .S.Failed}} failed, {{comma .S.Skipped}} skipped
Transferred {{bytes .S.Uploaded}}, {{comma .S.Deduped}} already present upstream
Elapsed: {{elapsed .R}}
`, "\n")))

// Plaintext renders the report. It does no I/O and gives the same text every time.
func (r *Report) Plaintext() string {
	var buf bytes.Buffer
	err := plaintext.Execute(&buf, struct {
		R       *Report
		Entries []Entry
		S       Summary
	}{r, r.entries, r.Summary()})
	if err != nil {
		// the template is fixed; a failure here is a programming error
		panic(fmt.Sprintf("render report: %v", err))
	}
	return buf.String()
}
