package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for LLM and flow observability spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrAgentName   = attribute.Key("agent.name")
	AttrAgentStatus = attribute.Key("agent.status")

	AttrFlowName  = attribute.Key("flow.name")
	AttrFlowStage = attribute.Key("flow.stage")
)
