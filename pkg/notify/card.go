package notify

import (
	"fmt"
	"time"
)

// Field is one key/value line on a card. A slice keeps rendering order
// stable, unlike a map.
type Field struct {
	Key   string
	Value string
}

// Card is the webhook message envelope.
type Card struct {
	MsgType string      `json:"msg_type"`
	Card    CardContent `json:"card"`
}

// CardContent holds the header and body elements of one card.
type CardContent struct {
	Header   CardHeader    `json:"header"`
	Elements []CardElement `json:"elements"`
}

// CardHeader carries the title and the severity color template.
type CardHeader struct {
	Template string   `json:"template"`
	Title    CardText `json:"title"`
}

// CardText is a tagged text node.
type CardText struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

// CardElement is one body element: a markdown div, a divider, or a note.
type CardElement struct {
	Tag      string     `json:"tag"`
	Text     *CardText  `json:"text,omitempty"`
	Elements []CardText `json:"elements,omitempty"`
}

func buildCard(severity, title string, content []Field, metadata []Field) Card {
	template, ok := severityTemplates[severity]
	if !ok {
		template = severityTemplates[SeverityInfo]
	}

	elements := make([]CardElement, 0, len(content)+len(metadata)+2)
	for _, f := range content {
		elements = append(elements, markdownDiv(f))
	}

	if len(metadata) > 0 {
		elements = append(elements, CardElement{Tag: "hr"})
		for _, f := range metadata {
			elements = append(elements, markdownDiv(f))
		}
	}

	elements = append(elements, CardElement{
		Tag: "note",
		Elements: []CardText{{
			Tag:     "plain_text",
			Content: "Sent at " + time.Now().UTC().Format(time.RFC3339),
		}},
	})

	return Card{
		MsgType: "interactive",
		Card: CardContent{
			Header: CardHeader{
				Template: template,
				Title:    CardText{Tag: "plain_text", Content: title},
			},
			Elements: elements,
		},
	}
}

func markdownDiv(f Field) CardElement {
	return CardElement{
		Tag:  "div",
		Text: &CardText{Tag: "lark_md", Content: fmt.Sprintf("**%s:** %s", f.Key, f.Value)},
	}
}
