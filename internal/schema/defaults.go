package schema

import "time"

// RegisterDefaults registers the MVP message type table from §4.4 into reg.
// Callers that need additional or experimental types register them
// separately; this only seeds the types the fabric itself understands.
func RegisterDefaults(reg *Registry) error {
	types := []struct {
		info   TypeInfo
		schema string
	}{
		{TypeInfo{
			Name:             "tool_call",
			Category:         CategoryToolExecution,
			SchemaVersion:    "1",
			RequiresResponse: true,
			DefaultTimeout:   300 * time.Second,
			Priority:         "high",
		}, toolCallSchema},
		{TypeInfo{
			Name:          "tool_result",
			Category:      CategoryToolExecution,
			SchemaVersion: "1",
			Priority:      "high",
		}, toolResultSchema},
		{TypeInfo{
			Name:     "ally_intent",
			Category: CategoryCognitive,
			Priority: "normal",
		}, allyIntentSchema},
		{TypeInfo{
			Name:     "ally_memory",
			Category: CategoryCognitive,
			Priority: "normal",
		}, allyMemorySchema},
		{TypeInfo{
			Name:             "ally_query",
			Category:         CategoryCognitive,
			RequiresResponse: true,
			DefaultTimeout:   10 * time.Second,
			Priority:         "normal",
		}, allyQuerySchema},
		{TypeInfo{
			Name:     "ally_status",
			Category: CategoryCognitive,
			Priority: "low",
		}, ""},
		{TypeInfo{
			Name:     "negotiation",
			Category: CategoryLegacy,
			Priority: "normal",
		}, ""},
		{TypeInfo{
			Name:     "ping",
			Category: CategoryLegacy,
			Priority: "low",
		}, ""},
		{TypeInfo{
			Name:     "pong",
			Category: CategoryLegacy,
			Priority: "low",
		}, ""},
		{TypeInfo{
			Name:     "control",
			Category: CategoryLegacy,
			Priority: "normal",
		}, ""},
		{TypeInfo{
			Name:     "config_update",
			Category: CategoryLegacy,
			Priority: "normal",
		}, ""},
		// query predates ally_query and is kept only so that older producers
		// aren't rejected outright; Validate surfaces a deprecation warning
		// naming ally_query as the replacement.
		{TypeInfo{
			Name:             "query",
			Category:         CategoryLegacy,
			RequiresResponse: true,
			DefaultTimeout:   10 * time.Second,
			Priority:         "normal",
			Deprecated:       true,
			Replacement:      "ally_query",
		}, ""},
	}

	for _, t := range types {
		if err := reg.Register(t.info, t.schema); err != nil {
			return err
		}
	}
	return nil
}
