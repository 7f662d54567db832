package server

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/vecvm/pkg/isa"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "vecvm-lsp"

// LspServer provides editor features for assembler source files:
// diagnostics from the assembler, completion of mnemonics, registers and
// labels, hover, and label definitions and references.
type LspServer struct {
	codec *isa.Codec
	log   commonlog.Logger

	mu   sync.Mutex
	docs map[protocol.DocumentUri]string

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a language server that assembles documents with codec.
func NewLSP(codec *isa.Codec) *LspServer {
	s := &LspServer{
		codec:   codec,
		log:     commonlog.GetLogger("vecvm.lsp"),
		docs:    make(map[protocol.DocumentUri]string),
		version: "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize: s.initialize,
		Shutdown:   s.shutdown,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
		TextDocumentDefinition: s.textDocumentDefinition,
		TextDocumentReferences: s.textDocumentReferences,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run serves on stdin/stdout until the client goes away.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- Lifecycle ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	reg := s.codec.Registry()
	s.log.Infof("initializing: %d opcodes, dim %d", reg.Count(), s.codec.Dim())

	capabilities := s.handler.CreateServerCapabilities()
	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{"@", "."},
	}

	capabilities.HoverProvider = true
	capabilities.DefinitionProvider = true
	capabilities.ReferencesProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	s.mu.Lock()
	n := len(s.docs)
	s.mu.Unlock()
	s.log.Infof("shutting down with %d open documents", n)
	return nil
}

// --- Documents ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	s.update(ctx, params.TextDocument.URI, params.TextDocument.Text)
	return nil
}

// Full sync: only the last change event matters.
func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	n := len(params.ContentChanges)
	if n == 0 {
		return nil
	}
	if change, ok := params.ContentChanges[n-1].(protocol.TextDocumentContentChangeEventWhole); ok {
		s.update(ctx, params.TextDocument.URI, change.Text)
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	s.mu.Lock()
	delete(s.docs, params.TextDocument.URI)
	s.mu.Unlock()
	s.notifyDiagnostics(ctx, params.TextDocument.URI, nil)
	return nil
}

func (s *LspServer) update(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	s.mu.Lock()
	s.docs[uri] = text
	s.mu.Unlock()
	s.notifyDiagnostics(ctx, uri, s.diagnose(text))
}

func (s *LspServer) document(uri protocol.DocumentUri) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.docs[uri]
	return text, ok
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	prefix := extractPrefix(text, params.Position)
	if prefix == "" {
		return nil, nil
	}
	return s.complete(text, prefix), nil
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	return s.hover(text, word), nil
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	uri := params.TextDocument.URI
	text, ok := s.document(uri)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	def, ok := scanLabels(text)[word]
	if !ok {
		return nil, nil
	}
	return []protocol.Location{{URI: uri, Range: def}}, nil
}

func (s *LspServer) textDocumentReferences(ctx *glsp.Context, params *protocol.ReferenceParams) ([]protocol.Location, error) {
	uri := params.TextDocument.URI
	text, ok := s.document(uri)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if _, ok := scanLabels(text)[word]; !ok {
		return nil, nil
	}
	var locations []protocol.Location
	for _, r := range labelReferences(text, word) {
		locations = append(locations, protocol.Location{URI: uri, Range: r})
	}
	if params.Context.IncludeDeclaration {
		locations = append(locations, protocol.Location{URI: uri, Range: scanLabels(text)[word]})
	}
	return locations, nil
}

// --- Registry-backed logic ---

func (s *LspServer) complete(text, prefix string) []protocol.CompletionItem {
	var items []protocol.CompletionItem
	upper := strings.ToUpper(prefix)
	reg := s.codec.Registry()

	// Labels after "@"
	if label, ok := strings.CutPrefix(prefix, "@"); ok {
		names := make([]string, 0)
		for name := range scanLabels(text) {
			if strings.HasPrefix(name, label) {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			kind := protocol.CompletionItemKindReference
			detail := "label"
			insert := "@" + name
			items = append(items, protocol.CompletionItem{
				Label:      insert,
				Kind:       &kind,
				Detail:     &detail,
				InsertText: &insert,
			})
		}
		return items
	}

	// Mnemonics
	for _, op := range reg.Opcodes() {
		info := reg.Info(op)
		if !strings.HasPrefix(info.Name, upper) {
			continue
		}
		kind := protocol.CompletionItemKindKeyword
		detail := describeOpcode(reg, op)
		name := info.Name
		items = append(items, protocol.CompletionItem{
			Label:      name,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &name,
		})
	}

	// Registers
	for r := isa.EAX; r <= isa.EDI; r++ {
		name := r.String()
		if !strings.HasPrefix(name, upper) {
			continue
		}
		kind := protocol.CompletionItemKindVariable
		detail := "register"
		items = append(items, protocol.CompletionItem{
			Label:      name,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &name,
		})
	}

	return items
}

func (s *LspServer) hover(text, word string) *protocol.Hover {
	reg := s.codec.Registry()
	var b strings.Builder

	if op, ok := reg.Lookup(strings.ToUpper(word)); ok {
		info := reg.Info(op)
		fmt.Fprintf(&b, "**%s**\n\n%s", info.Name, describeOpcode(reg, op))
	} else if r, ok := isa.ParseRegister(strings.ToUpper(word)); ok {
		fmt.Fprintf(&b, "**%s**\n\nregister %d: destination slot %d, source slot %d",
			r, r.Index(), isa.DestBase+r.Index(), isa.SrcBase+r.Index())
	} else if _, ok := scanLabels(text)[word]; ok {
		fmt.Fprintf(&b, "**%s**: label", word)
		if p, err := isa.Assemble(text, s.codec); err == nil {
			fmt.Fprintf(&b, " at pc %d", p.Labels[word])
		}
		if n := len(labelReferences(text, word)); n > 0 {
			fmt.Fprintf(&b, "\n\n%d references", n)
		}
	} else {
		return nil
	}

	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: b.String(),
		},
	}
}

func describeOpcode(reg *isa.Registry, op isa.Opcode) string {
	info := reg.Info(op)
	desc := fmt.Sprintf("slot %d, %s", info.Slot, info.Family)
	if op >= isa.FirstExtension {
		if info.Exec == isa.OpUnknown {
			desc += ", extension (no-op)"
		} else {
			desc += ", extension of " + reg.Name(info.Exec)
		}
	}
	return desc
}

// --- Diagnostics ---

// diagnose assembles text and converts a failure into diagnostics.
func (s *LspServer) diagnose(text string) []protocol.Diagnostic {
	_, err := isa.Assemble(text, s.codec)
	if err == nil {
		return nil
	}
	line := 0
	var asmErr *isa.AsmError
	msg := err.Error()
	if errors.As(err, &asmErr) {
		line = asmErr.Line - 1
		msg = asmErr.Msg
	}
	lines := strings.Split(text, "\n")
	end := 0
	if line >= 0 && line < len(lines) {
		end = len(lines[line])
	}
	severity := protocol.DiagnosticSeverityError
	source := lspName
	return []protocol.Diagnostic{{
		Range: protocol.Range{
			Start: protocol.Position{Line: protocol.UInteger(line), Character: 0},
			End:   protocol.Position{Line: protocol.UInteger(line), Character: protocol.UInteger(end)},
		},
		Severity: &severity,
		Source:   &source,
		Message:  msg,
	}}
}

func (s *LspServer) notifyDiagnostics(ctx *glsp.Context, uri protocol.DocumentUri, diagnostics []protocol.Diagnostic) {
	if diagnostics == nil {
		diagnostics = []protocol.Diagnostic{}
	}
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}

// --- Source scanning ---

var labelDef = regexp.MustCompile(`^\s*([A-Za-z_.][A-Za-z0-9_.]*)\s*:`)

// scanLabels returns the range of every label definition.
func scanLabels(text string) map[string]protocol.Range {
	labels := make(map[string]protocol.Range)
	for i, line := range strings.Split(text, "\n") {
		if j := strings.IndexByte(line, ';'); j >= 0 {
			line = line[:j]
		}
		m := labelDef.FindStringSubmatchIndex(line)
		if m == nil {
			continue
		}
		name := line[m[2]:m[3]]
		if _, dup := labels[name]; dup {
			continue
		}
		labels[name] = protocol.Range{
			Start: protocol.Position{Line: protocol.UInteger(i), Character: protocol.UInteger(m[2])},
			End:   protocol.Position{Line: protocol.UInteger(i), Character: protocol.UInteger(m[3])},
		}
	}
	return labels
}

// labelReferences returns the ranges of "@name" operands and ".entry name".
func labelReferences(text, name string) []protocol.Range {
	var out []protocol.Range
	for i, line := range strings.Split(text, "\n") {
		if j := strings.IndexByte(line, ';'); j >= 0 {
			line = line[:j]
		}
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), ".entry"); ok && strings.TrimSpace(rest) == name {
			col := strings.LastIndex(line, name)
			out = append(out, wordRange(i, col, len(name)))
			continue
		}
		for col := 0; ; {
			k := strings.Index(line[col:], "@"+name)
			if k < 0 {
				break
			}
			start := col + k + 1
			end := start + len(name)
			if end == len(line) || !isWordChar(rune(line[end])) {
				out = append(out, wordRange(i, start, len(name)))
			}
			col = end
		}
	}
	return out
}

func wordRange(line, col, n int) protocol.Range {
	return protocol.Range{
		Start: protocol.Position{Line: protocol.UInteger(line), Character: protocol.UInteger(col)},
		End:   protocol.Position{Line: protocol.UInteger(line), Character: protocol.UInteger(col + n)},
	}
}

func isWordChar(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '.'
}

// lineAt returns the line at pos and the cursor column clamped to it.
func lineAt(text string, pos protocol.Position) (string, int, bool) {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return "", 0, false
	}
	line := lines[pos.Line]
	return line, min(int(pos.Character), len(line)), true
}

// extractPrefix returns the identifier fragment left of the cursor. A
// leading "@" is kept so label completion can be told apart.
func extractPrefix(text string, pos protocol.Position) string {
	line, col, ok := lineAt(text, pos)
	if !ok {
		return ""
	}
	start := col
	for start > 0 && isWordChar(rune(line[start-1])) {
		start--
	}
	if start > 0 && line[start-1] == '@' {
		start--
	}
	return line[start:col]
}

// extractWord returns the identifier the cursor touches.
func extractWord(text string, pos protocol.Position) string {
	line, col, ok := lineAt(text, pos)
	if !ok {
		return ""
	}
	start, end := col, col
	for start > 0 && isWordChar(rune(line[start-1])) {
		start--
	}
	for end < len(line) && isWordChar(rune(line[end])) {
		end++
	}
	return line[start:end]
}

func boolPtr(b bool) *bool {
	return &b
}
