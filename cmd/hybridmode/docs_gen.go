package main

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/dotsetgreg/hybridmode/pkg/config"
	"github.com/dotsetgreg/hybridmode/pkg/hybrid"
	"github.com/dotsetgreg/hybridmode/pkg/tools"
	"github.com/spf13/cobra"
	cobraDoc "github.com/spf13/cobra/doc"
)

const (
	cliDocsDir = "reference/cli"
	manDocsDir = "reference/man"
)

// docSet maps slash-separated paths under the docs root to file contents.
type docSet map[string][]byte

func newDocsCommand(rootFactory func() *cobra.Command) *cobra.Command {
	docsRoot := &cobra.Command{
		Use:    "docs",
		Short:  "Internal docs maintenance commands",
		Hidden: true,
	}

	var (
		outputDir string
		checkOnly bool
	)

	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate CLI, config and routing reference docs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outputDir) == "" {
				return fmt.Errorf("--output must not be empty")
			}
			return generateDocumentation(rootFactory, outputDir, checkOnly)
		},
	}
	gen.Flags().StringVar(&outputDir, "output", "docs", "Docs directory root")
	gen.Flags().BoolVar(&checkOnly, "check", false, "Fail if generated docs are out of date")

	docsRoot.AddCommand(gen)
	return docsRoot
}

func generateDocumentation(rootFactory func() *cobra.Command, outputDir string, checkOnly bool) error {
	docs, err := renderDocs(rootFactory())
	if err != nil {
		return err
	}
	if checkOnly {
		return docs.check(outputDir)
	}
	return docs.write(outputDir)
}

func renderDocs(root *cobra.Command) (docSet, error) {
	docs := docSet{}
	root.DisableAutoGenTag = true

	var walkErr error
	visitDocCommands(root, func(cmd *cobra.Command) {
		if walkErr != nil {
			return
		}
		cmd.DisableAutoGenTag = true
		base := strings.ReplaceAll(cmd.CommandPath(), " ", "_")

		var md bytes.Buffer
		md.WriteString("# " + cmd.CommandPath() + "\n\n")
		if err := cobraDoc.GenMarkdownCustom(cmd, &md, func(name string) string { return name }); err != nil {
			walkErr = fmt.Errorf("render markdown for %s: %w", cmd.CommandPath(), err)
			return
		}
		docs[path.Join(cliDocsDir, base+".md")] = md.Bytes()

		var man bytes.Buffer
		header := &cobraDoc.GenManHeader{Section: "1", Source: appName + " " + formatVersion()}
		if err := cobraDoc.GenMan(cmd, header, &man); err != nil {
			walkErr = fmt.Errorf("render man page for %s: %w", cmd.CommandPath(), err)
			return
		}
		docs[path.Join(manDocsDir, strings.ReplaceAll(base, "_", "-")+".1")] = man.Bytes()
	})
	if walkErr != nil {
		return nil, walkErr
	}

	docs["reference/config.md"] = []byte(buildConfigReferenceMarkdown())
	docs["reference/routing.md"] = []byte(buildRoutingReferenceMarkdown())
	return docs, nil
}

// visitDocCommands calls fn for root and every visible command below it,
// skipping the hidden docs tree.
func visitDocCommands(cmd *cobra.Command, fn func(*cobra.Command)) {
	fn(cmd)
	for _, child := range cmd.Commands() {
		if !child.IsAvailableCommand() || child.IsAdditionalHelpTopicCommand() {
			continue
		}
		visitDocCommands(child, fn)
	}
}

func (d docSet) paths() []string {
	out := make([]string, 0, len(d))
	for p := range d {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (d docSet) write(root string) error {
	for _, dir := range []string{cliDocsDir, manDocsDir} {
		if err := os.RemoveAll(filepath.Join(root, filepath.FromSlash(dir))); err != nil {
			return fmt.Errorf("clear %s: %w", dir, err)
		}
	}
	for _, rel := range d.paths() {
		target := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create parent dir for %s: %w", rel, err)
		}
		if err := os.WriteFile(target, d[rel], 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

// check fails on the first generated file that is missing or different on
// disk, and on files left behind in the generated directories.
func (d docSet) check(root string) error {
	for _, rel := range d.paths() {
		onDisk, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return fmt.Errorf("docs out of date: missing %s", rel)
		}
		if !bytes.Equal(onDisk, d[rel]) {
			return fmt.Errorf("docs out of date: %s differs; run `%s docs generate`", rel, appName)
		}
	}
	for _, dir := range []string{cliDocsDir, manDocsDir} {
		entries, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(dir)))
		if err != nil {
			return fmt.Errorf("docs out of date: missing %s", dir)
		}
		for _, entry := range entries {
			rel := path.Join(dir, entry.Name())
			if _, ok := d[rel]; !ok {
				return fmt.Errorf("docs out of date: %s is no longer generated", rel)
			}
		}
	}
	return nil
}

// configAccepts describes the values Config.Validate and the engine accept.
var configAccepts = map[string]string{
	"hybrid.default_mode":                "`chat`, `agent`, `auto`",
	"hybrid.complexity_threshold":        "0 to 1",
	"hybrid.confidence_threshold":        "0 to 1",
	"hybrid.tool_relevance_threshold":    "0 to 1",
	"hybrid.context_relevance_threshold": "0 to 1",
	"hybrid.context_window_size":         "> 0",
	"hybrid.memory_retention_hours":      "> 0",
	"hybrid.reasoning_steps_max":         "> 0",
	"memory.sweep_schedule":              "5-field cron expression",
	"log.level":                          "`debug`, `info`, `warn`, `error`",
	"log.format":                         "`console`, `json`",
}

type configRow struct {
	key, kind, value, accepts, env string
}

// buildConfigReferenceMarkdown renders one table per config section from the
// struct tags and the values of config.DefaultConfig().
func buildConfigReferenceMarkdown() string {
	defaults := reflect.ValueOf(config.DefaultConfig()).Elem()
	t := defaults.Type()

	general := []configRow{}
	type section struct {
		name string
		rows []configRow
	}
	sections := []section{}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := jsonName(f)
		if name == "" {
			continue
		}
		v := defaults.Field(i)
		if f.Type.Kind() != reflect.Struct {
			general = append(general, newConfigRow(name, f, v))
			continue
		}
		sec := section{name: name}
		for j := 0; j < f.Type.NumField(); j++ {
			sf := f.Type.Field(j)
			key := jsonName(sf)
			if key == "" {
				continue
			}
			sec.rows = append(sec.rows, newConfigRow(name+"."+key, sf, v.Field(j)))
		}
		sections = append(sections, sec)
	}

	var b strings.Builder
	b.WriteString("# Config Reference\n\n")
	b.WriteString("Loaded from `~/.hybridmode/config.json` or the path in `HYBRIDMODE_CONFIG`. ")
	b.WriteString("Files ending in `.yaml` or `.yml` are read as YAML, everything else as JSON. ")
	b.WriteString("Environment variables are applied after the file.\n")
	writeConfigTable(&b, "general", general)
	for _, sec := range sections {
		writeConfigTable(&b, sec.name, sec.rows)
	}
	return b.String()
}

func newConfigRow(key string, f reflect.StructField, v reflect.Value) configRow {
	return configRow{
		key:     key,
		kind:    kindName(f.Type),
		value:   defaultValue(v),
		accepts: configAccepts[key],
		env:     f.Tag.Get("env"),
	}
}

func writeConfigTable(b *strings.Builder, name string, rows []configRow) {
	if len(rows) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s\n\n", name)
	b.WriteString("| Key | Type | Default | Accepts | Env Var |\n")
	b.WriteString("| --- | --- | --- | --- | --- |\n")
	for _, r := range rows {
		fmt.Fprintf(b, "| `%s` | `%s` | %s | %s | %s |\n",
			r.key, r.kind, codeOrDash(r.value), dashIfEmpty(r.accepts), codeOrDash(r.env))
	}
}

func jsonName(f reflect.StructField) string {
	if !f.IsExported() {
		return ""
	}
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	return strings.TrimSpace(name)
}

func kindName(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Bool:
		return "bool"
	case reflect.Int, reflect.Int64:
		return "int"
	case reflect.Float64:
		return "float"
	case reflect.String:
		return "string"
	case reflect.Slice:
		return "list of " + strings.ToLower(t.Elem().Name())
	default:
		return t.Kind().String()
	}
}

func defaultValue(v reflect.Value) string {
	switch v.Kind() {
	case reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case reflect.Slice:
		return fmt.Sprintf("%d entries", v.Len())
	default:
		return fmt.Sprint(v.Interface())
	}
}

func codeOrDash(v string) string {
	if strings.TrimSpace(v) == "" {
		return "-"
	}
	return "`" + strings.ReplaceAll(v, "|", "\\|") + "`"
}

func dashIfEmpty(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

// buildRoutingReferenceMarkdown documents the default tool catalog, the mode
// routing order and how the decision reason is derived from the chosen mode.
func buildRoutingReferenceMarkdown() string {
	registry := tools.NewToolRegistry()
	registry.RegisterStatic(config.DefaultConfig().Tools.Catalog)
	defaults := hybrid.DefaultHybridModeConfig()

	var b strings.Builder
	b.WriteString("# Routing Reference\n\n")
	b.WriteString("## Default Tool Catalog\n\n")
	b.WriteString("A tool matches when a `_`-separated part of its name appears in the message. ")
	b.WriteString("Each matching part adds 0.3 to the tool score, capped at 1.\n\n")
	b.WriteString("| Tool | Description |\n| --- | --- |\n")
	for _, line := range registry.GetSummaries() {
		if name, desc := parseToolSummary(line); name != "" {
			fmt.Fprintf(&b, "| `%s` | %s |\n", name, strings.ReplaceAll(desc, "|", "\\|"))
		}
	}

	b.WriteString("\n## Mode\n\n")
	b.WriteString("A forced mode on the request wins with reason `" + string(hybrid.ReasonUserRequest) + "` and confidence 1. ")
	b.WriteString("Otherwise the first matching rule picks the mode.\n\n")
	b.WriteString("| Rule | Condition | Mode |\n| --- | --- | --- |\n")
	b.WriteString("| 1 | `auto_mode_enabled` is false | current mode |\n")
	fmt.Fprintf(&b, "| 2 | complexity > `complexity_threshold` (%g) | agent |\n", defaults.ComplexityThreshold)
	b.WriteString("| 3 | a tool scores above 0.5 | agent |\n")
	fmt.Fprintf(&b, "| 4 | min(1, messages / `context_window_size` (%d)) > `context_relevance_threshold` (%g) | agent |\n",
		defaults.ContextWindowSize, defaults.ContextRelevanceThreshold)
	b.WriteString("| 5 | otherwise | chat |\n")

	b.WriteString("\n## Reason\n\n")
	b.WriteString("The reason depends on the chosen mode and uses fixed cut points.\n\n")
	b.WriteString("| Mode | Condition | Reason |\n| --- | --- | --- |\n")
	b.WriteString("| agent | complexity > 0.7 | `" + string(hybrid.ReasonComplexityHigh) + "` |\n")
	b.WriteString("| agent | a tool scores above 0.5 | `" + string(hybrid.ReasonToolsAvailable) + "` |\n")
	b.WriteString("| agent | otherwise | `" + string(hybrid.ReasonContextRequiresAgent) + "` |\n")
	b.WriteString("| chat or auto | complexity < 0.3 | `" + string(hybrid.ReasonSimpleQuery) + "` |\n")
	b.WriteString("| chat or auto | otherwise | `" + string(hybrid.ReasonContinuation) + "` |\n")
	return b.String()
}

func parseToolSummary(line string) (string, string) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(line), "- `")
	if trimmed == strings.TrimSpace(line) {
		return "", ""
	}
	name, desc, ok := strings.Cut(trimmed, "` - ")
	if !ok {
		return "", ""
	}
	return strings.TrimSpace(name), strings.TrimSpace(desc)
}
