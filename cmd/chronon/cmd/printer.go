package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/oriys/chronon/internal/commit"
	"github.com/oriys/chronon/internal/events"
	"github.com/oriys/chronon/internal/ledger"
	"gopkg.in/yaml.v3"
)

// Printer 按输出格式（table/json/yaml）打印命令结果。
type Printer struct {
	format string
	writer io.Writer
}

// NewPrinter 创建打印器，format 为空时使用 table。
func NewPrinter(w io.Writer, format string) *Printer {
	if format == "" {
		format = "table"
	}
	return &Printer{format: format, writer: w}
}

// PrintReport 打印账本校验报告。
func (p *Printer) PrintReport(r ledger.VerifyReport) error {
	switch p.format {
	case "json":
		return p.printJSON(r)
	case "yaml":
		return p.printYAML(r)
	}
	status := "OK"
	if !r.Valid {
		status = "INVALID"
	}
	w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Status:\t%s\n", status)
	fmt.Fprintf(w, "Entries:\t%d\n", r.Entries)
	fmt.Fprintf(w, "Sealed:\t%d\n", r.Sealed)
	fmt.Fprintf(w, "Revealed:\t%t\n", r.Revealed)
	fmt.Fprintf(w, "Head:\t%s\n", r.Head)
	if len(r.Problems) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "SEQ\tRUN ID\tPROBLEM")
		for _, pr := range r.Problems {
			fmt.Fprintf(w, "%d\t%s\t%s\n", pr.Seq, pr.RunID, pr.Reason)
		}
	}
	return w.Flush()
}

// PrintCommitment 打印承诺摘要。
func (p *Printer) PrintCommitment(runType string, c commit.Commitment) error {
	switch p.format {
	case "json":
		return p.printJSON(c)
	case "yaml":
		return p.printYAML(c)
	}
	w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Type:\t%s\n", runType)
	fmt.Fprintf(w, "Code version:\t%s\n", c.CodeVersion)
	fmt.Fprintf(w, "hash_config:\t%s\n", c.HashConfig)
	fmt.Fprintf(w, "hash_code:\t%s\n", c.HashCode)
	return w.Flush()
}

// PrintEvent 打印一条事件。table 格式下每条事件一行。
func (p *Printer) PrintEvent(e *events.Event) error {
	switch p.format {
	case "json":
		return json.NewEncoder(p.writer).Encode(e)
	case "yaml":
		fmt.Fprintln(p.writer, "---")
		return p.printYAML(e)
	}
	_, err := fmt.Fprintf(p.writer, "%s  %-24s %-40s %s\n",
		e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"), e.Type, e.Subject, string(e.Data))
	return err
}

func (p *Printer) printJSON(v interface{}) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printYAML 先转成 JSON 再输出 YAML，使字段名与 API 保持一致。
func (p *Printer) printYAML(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(p.writer)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}
