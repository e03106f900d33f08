package models

const (
	DefaultChunkSize    = 10000 // runes
	DefaultChunkOverlap = 1000  // runes
	DefaultTopK         = 3
	DefaultMaxTokens    = 512
	DefaultTemperature  = 0.5
	DefaultTopP         = 0.9

	ContextSeparator = "\n\n"
	ThinkTag         = `(?s)<think>.*?</think>`

	IndexFormatVersion = 1
	CollectionName     = "pdf_chunks"
)

var (
	// PromptTemplate is rendered with langchaingo prompts (go-template syntax).
	PromptTemplate = `
Human: Use the following pieces of context to provide a
concise answer to the question at the end but summarize with
at least 100 words and detailed explanations. If you don't know the answer,
just say that you don't know; don't try to make up an answer.
<context>
{{.context}}
</context>

Question: {{.question}}

Assistant:`
)
