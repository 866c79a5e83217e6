// Package page extracts gradable questions from course page HTML.
// Questions are identified by document position, so the same page
// always yields the same identifiers.
package page

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/wxkj99/na-quiz/internal/model"
	"github.com/wxkj99/na-quiz/internal/store"
)

// Parse reads a course page and returns its sections in document order.
// Question identifiers are derived from page and the question's 1-based
// position. Inputs are sized to the question's blanks but left empty;
// use LoadInputs to fill them from the store.
func Parse(r io.Reader, page string) ([]model.Section, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	var sections []model.Section
	current := model.Section{}
	n := 0

	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode {
			switch {
			case node.DataAtom == atom.H2:
				if len(current.Questions) > 0 {
					sections = append(sections, current)
				}
				current = model.Section{Title: strings.TrimSpace(textContent(node))}
				return
			case hasClass(node, "question"):
				n++
				current.Questions = append(current.Questions, parseQuestion(node, page, n))
				return
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if len(current.Questions) > 0 {
		sections = append(sections, current)
	}
	return sections, nil
}

func parseQuestion(node *html.Node, page string, n int) model.Question {
	q := model.Question{ID: model.QuestionID(page, n)}
	if t := findClass(node, "q-text"); t != nil {
		q.Text = strings.TrimSpace(textContent(t))
	}
	if a := findClass(node, "answer"); a != nil {
		q.Answer = strings.TrimSpace(textContent(a))
	}
	q.Inputs = collectBlanks(node)
	return q
}

// collectBlanks gathers the fillable controls of a question in document
// order: textareas and inputs carrying the blank class. Pre-filled
// content (a value attribute, textarea text) becomes the blank's
// initial value; stored values override it later.
func collectBlanks(node *html.Node) []string {
	var values []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case n.DataAtom == atom.Textarea:
				values = append(values, strings.TrimSpace(textContent(n)))
			case n.DataAtom == atom.Input && hasClass(n, "blank"):
				values = append(values, strings.TrimSpace(attrValue(n, "value")))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)
	return values
}

func attrValue(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

// LoadInputs fills each question's blanks from the stored per-blank
// values. Missing values stay empty.
func LoadInputs(kv store.KV, sections []model.Section) error {
	for si := range sections {
		for qi := range sections[si].Questions {
			q := &sections[si].Questions[qi]
			for j := range q.Inputs {
				v, ok, err := kv.Get(model.InputKey(q.ID, j))
				if err != nil {
					return fmt.Errorf("load input %s: %w", model.InputKey(q.ID, j), err)
				}
				if ok {
					q.Inputs[j] = v
				}
			}
		}
	}
	return nil
}

// Questions flattens sections into one slice in document order.
func Questions(sections []model.Section) []model.Question {
	var qs []model.Question
	for _, s := range sections {
		qs = append(qs, s.Questions...)
	}
	return qs
}

func hasClass(n *html.Node, class string) bool {
	for _, attr := range n.Attr {
		if attr.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(attr.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

func findClass(n *html.Node, class string) *html.Node {
	if n.Type == html.ElementNode && hasClass(n, class) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findClass(c, class); found != nil {
			return found
		}
	}
	return nil
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
