/*
 * Vellum
 * Copyright (C) 2025  Vellum Labs, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package render

import (
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/gravitational/trace"
	"golang.org/x/net/html"
)

// Template content is processed one of two ways. Content carrying expression
// markers (th:* attributes, #{...} or *{...}) goes through the expression
// engine: an HTML tree walk evaluating th:if, th:text, th:utext and th:class
// plus inline ${...}, *{...} and #{...} in text. Everything else gets literal
// {{name}} substitution. Processing is purely local to the call, no template
// state is shared between renders.

var thAttrRe = regexp.MustCompile(`\bth:[a-z]+`)

func hasExpressionMarkers(content string) bool {
	return thAttrRe.MatchString(content) ||
		strings.Contains(content, "#{") ||
		strings.Contains(content, "*{")
}

func processTemplate(content string, context map[string]any) (string, error) {
	if hasExpressionMarkers(content) {
		out, err := renderExpressions(content, context)
		return out, trace.Wrap(err)
	}
	return substituteLiterals(content, context), nil
}

// renderExpressions parses the content as HTML and evaluates template
// expressions along the tree.
func renderExpressions(content string, context map[string]any) (string, error) {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return "", trace.BadParameter("parsing template HTML: %v", err)
	}
	if err := processChildren(doc, context); err != nil {
		return "", trace.Wrap(err)
	}
	var buf strings.Builder
	if err := html.Render(&buf, doc); err != nil {
		return "", trace.BadParameter("rendering template HTML: %v", err)
	}
	return buf.String(), nil
}

func processChildren(n *html.Node, context map[string]any) error {
	for child := n.FirstChild; child != nil; {
		next := child.NextSibling
		keep, err := processNode(child, context)
		if err != nil {
			return trace.Wrap(err)
		}
		if !keep {
			n.RemoveChild(child)
		}
		child = next
	}
	return nil
}

// processNode evaluates one node. It reports false when the node removed
// itself via th:if.
func processNode(n *html.Node, context map[string]any) (keep bool, err error) {
	switch n.Type {
	case html.TextNode:
		replaced, err := substituteInline(n.Data, context)
		if err != nil {
			return false, trace.Wrap(err)
		}
		n.Data = replaced
		return true, nil
	case html.ElementNode:
		return processElement(n, context)
	default:
		return true, nil
	}
}

func processElement(n *html.Node, context map[string]any) (keep bool, err error) {
	var condition, text, utext, class *string
	kept := n.Attr[:0]
	for _, attr := range n.Attr {
		if !strings.HasPrefix(attr.Key, "th:") {
			kept = append(kept, attr)
			continue
		}
		value := attr.Val
		switch attr.Key {
		case "th:if":
			condition = &value
		case "th:text":
			text = &value
		case "th:utext":
			utext = &value
		case "th:class":
			class = &value
		default:
			return false, trace.BadParameter("unsupported template attribute %q on <%s>", attr.Key, n.Data)
		}
	}
	n.Attr = kept

	if condition != nil {
		value, err := evalTemplateExpr(*condition, context)
		if err != nil {
			return false, trace.Wrap(err, "evaluating th:if on <%s>", n.Data)
		}
		if !truthy(value) {
			return false, nil
		}
	}
	if class != nil {
		value, err := evalTemplateExpr(*class, context)
		if err != nil {
			return false, trace.Wrap(err, "evaluating th:class on <%s>", n.Data)
		}
		setAttr(n, "class", formatValue(value))
	}
	if text != nil && utext != nil {
		return false, trace.BadParameter("<%s> sets both th:text and th:utext", n.Data)
	}
	switch {
	case text != nil:
		value, err := evalTemplateExpr(*text, context)
		if err != nil {
			return false, trace.Wrap(err, "evaluating th:text on <%s>", n.Data)
		}
		removeChildren(n)
		n.AppendChild(&html.Node{Type: html.TextNode, Data: formatValue(value)})
		return true, nil
	case utext != nil:
		value, err := evalTemplateExpr(*utext, context)
		if err != nil {
			return false, trace.Wrap(err, "evaluating th:utext on <%s>", n.Data)
		}
		fragment, err := html.ParseFragment(strings.NewReader(formatValue(value)), n)
		if err != nil {
			return false, trace.BadParameter("parsing th:utext fragment on <%s>: %v", n.Data, err)
		}
		removeChildren(n)
		for _, node := range fragment {
			n.AppendChild(node)
		}
		return true, nil
	}
	return true, processChildren(n, context)
}

func removeChildren(n *html.Node) {
	for n.FirstChild != nil {
		n.RemoveChild(n.FirstChild)
	}
}

func setAttr(n *html.Node, key, value string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = value
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: value})
}

var inlineExprRe = regexp.MustCompile(`([$*#])\{([^{}]*)\}`)

// substituteInline evaluates ${...}, *{...} and #{...} inside text.
func substituteInline(text string, context map[string]any) (string, error) {
	var firstErr error
	out := inlineExprRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := inlineExprRe.FindStringSubmatch(match)
		value, err := evalRooted(parts[1][0], parts[2], context)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return formatValue(value)
	})
	if firstErr != nil {
		return "", trace.Wrap(firstErr)
	}
	return out, nil
}

// evalTemplateExpr evaluates an attribute expression. The usual form is
// ${...} against the full context; *{...} selects from recipient data and
// #{...} from metadata. A bare expression is treated like ${...}.
func evalTemplateExpr(raw string, context map[string]any) (any, error) {
	trimmed := strings.TrimSpace(raw)
	for _, kind := range []byte{'$', '*', '#'} {
		prefix := string(kind) + "{"
		if strings.HasPrefix(trimmed, prefix) && strings.HasSuffix(trimmed, "}") {
			return evalRooted(kind, trimmed[len(prefix):len(trimmed)-1], context)
		}
	}
	return evalRooted('$', trimmed, context)
}

func evalRooted(kind byte, code string, context map[string]any) (any, error) {
	env := context
	switch kind {
	case '*':
		env, _ = context["recipient"].(map[string]any)
	case '#':
		env, _ = context["metadata"].(map[string]any)
	}
	if env == nil {
		env = map[string]any{}
	}
	program, err := expr.Compile(code, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, trace.BadParameter("invalid template expression %q: %v", code, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, trace.BadParameter("evaluating template expression %q: %v", code, err)
	}
	return out, nil
}

var literalRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_][A-Za-z0-9_.-]*)\s*\}\}`)

// substituteLiterals replaces {{name}} markers. recipient.x and metadata.x
// address their maps explicitly, a bare name tries recipient first, then
// metadata, then the top-level context. Unknown names become empty strings.
func substituteLiterals(content string, context map[string]any) string {
	return literalRe.ReplaceAllStringFunc(content, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		value, ok := lookupLiteral(name, context)
		if !ok {
			return ""
		}
		return html.EscapeString(formatValue(value))
	})
}

func lookupLiteral(name string, context map[string]any) (any, bool) {
	for _, root := range []string{"recipient", "metadata", "certificate", "template"} {
		if rest, ok := strings.CutPrefix(name, root+"."); ok {
			m, _ := context[root].(map[string]any)
			return lookupPath(m, rest)
		}
	}
	if recipient, ok := context["recipient"].(map[string]any); ok {
		if value, ok := lookupPath(recipient, name); ok {
			return value, true
		}
	}
	if metadata, ok := context["metadata"].(map[string]any); ok {
		if value, ok := lookupPath(metadata, name); ok {
			return value, true
		}
	}
	if value, ok := context[name]; ok {
		return value, true
	}
	return nil, false
}

func lookupPath(m map[string]any, path string) (any, bool) {
	if m == nil {
		return nil, false
	}
	head, rest, nested := strings.Cut(path, ".")
	value, ok := m[head]
	if !ok {
		return nil, false
	}
	if !nested {
		return value, true
	}
	child, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	return lookupPath(child, rest)
}
