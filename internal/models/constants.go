package models

const (
	ContextSeparator = "\n---\n"
	SourceLabel      = "[Source %d] %s"

	// filter keys accepted by vector store searches
	FilterSourceID = "sourceId"
	FilterSection  = "section"

	// metadata keys added to every search result
	MetaChunkIndex = "chunkIndex"
	MetaSection    = "section"

	DefaultIndexName   = "PaperChunk"
	DefaultPrimaryLLM  = "gpt-4o"
	DefaultFallbackLLM = "gemini-2.0-flash-exp"
	DefaultTemperature = 0.8
	DefaultMaxTokens   = 2000
)

var (
	AskSystemPrompt = `You are a research assistant. Answer using only the numbered sources in the context.
Cite sources by their [Source N] label. If the context does not contain the answer, say so plainly.`

	AskUserPromptTemplate = `Context from indexed papers:

%s

---

Question: %s

Answer based on the context above.`
)
