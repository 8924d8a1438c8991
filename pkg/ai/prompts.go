package ai

const SummarySystemPrompt = `You are an audience analyst. You receive signals mined from a social platform about the
audience of a search query and organise them into interest groups. Only use accounts,
brands and topics that appear in the signals. Never invent handles.`

const SummaryPrompt = `
# Task Context
Build an audience map for the query below from the mined signals.

# Query
%s

# Platform
%s

# Intent
%s

# Signals
Each line is one signal: type | name | handle | count | detail
%s

# Additional Context
%s

# Detailed Task Description & Rules
- Group the signals into 3 to 8 clusters of related interests.
- Every cluster needs a short human readable label and a one sentence description.
- Members of a cluster must come from the signals; copy handles exactly, without "@".
- Set each member type to creator, brand, topic, media or other.
- List the most relevant creators, brands and topics separately with a relevance score between 0 and 1.
- Write a summary of two or three sentences about the audience.
- Prefer signals with higher counts when you have to choose.

# Output Format
Return JSON matching the provided schema and nothing else.
`

// PlainAnswerPrompt wraps SummaryPrompt for backends that reject an enforced
// response format. The schema is spelled out instead.
const PlainAnswerPrompt = `%s
# JSON Schema
%s

Answer with a single JSON object only, without code fences or commentary.
`
