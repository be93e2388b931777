package ollama

import (
	"context"
	"fmt"
	"strings"
)

const extraGeneralInstruction = "Задавай вопрос относительно ограничений, хотя бы 2 вопроса должны быть общего характера. "

// DescribeText asks the backend for n distinct questions about a prose
// block, one question per line. extraGeneral additionally requests a couple
// of general-purpose questions (used for territory rows carrying geometry).
// The returned list may be shorter or longer than n.
func (c *Client) DescribeText(ctx context.Context, text string, n int, extraGeneral bool) ([]string, error) {
	extra := ""
	if extraGeneral {
		extra = extraGeneralInstruction
	}
	prompt := fmt.Sprintf(
		"Придумай %d вопросов к следующему тексту. %sКаждый вопрос в ответе должен начинаться с новой строчки:\n%s",
		n, extra, text,
	)
	return c.describe(ctx, prompt)
}

// DescribeTable asks the backend for n distinct questions about a serialized
// table. The surrounding paragraphs are passed along so questions can use
// the table's narrative context.
func (c *Client) DescribeTable(ctx context.Context, table, surrounding string, n int) ([]string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Придумай %d вопросов к следующей таблице. Каждый вопрос в ответе должен начинаться с новой строчки:\n%s", n, table)
	if strings.TrimSpace(surrounding) != "" {
		fmt.Fprintf(&b, "\nКонтекст таблицы:\n%s", surrounding)
	}
	return c.describe(ctx, b.String())
}

func (c *Client) describe(ctx context.Context, prompt string) ([]string, error) {
	answer, err := c.Generate(ctx, Request{Model: c.model, Prompt: prompt, Stream: false})
	if err != nil {
		return nil, err
	}
	return splitQuestions(answer), nil
}
