package schema

// builtinSchemas returns the schemas auto-registered at open (spec
// §4.2: "Built-in schemas (entity, resource, session, message,
// feedback) are auto-registered at open"). `entity` is the catch-all
// record type with no fixed properties (ExtraAllow); the rest model the
// teacher's own issue/event/comment shapes generalized to the spec's
// typed-record model.
func builtinSchemas() []Doc {
	return []Doc{
		{
			Name:        "entity",
			Title:       "Entity",
			Description: "Generic untyped record; accepts any property.",
			ExtraAllow:  true,
			Properties:  map[string]*Field{},
		},
		{
			Name:        "resource",
			Title:       "Resource",
			Description: "An entity whose schema carries content intended for embedding and retrieval.",
			Category:    "knowledge",
			KeyField:    "uri",
			Properties: map[string]*Field{
				"uri":      {Type: TypeString, Description: "Stable locator; determines the entity's deterministic id."},
				"content":  {Type: TypeString, Description: "Text content to be embedded."},
				"category": {Type: TypeString, Description: "Free-form grouping label."},
			},
			Required:      []string{"uri"},
			IndexedFields: []string{"category"},
		},
		{
			Name:        "session",
			Title:       "Session",
			Description: "A bounded interaction session with a host-assigned identifier.",
			Category:    "runtime",
			KeyField:    "session_id",
			Properties: map[string]*Field{
				"session_id": {Type: TypeString},
				"actor":      {Type: TypeString},
				"status":     {Type: TypeString, Enum: []string{"open", "closed"}},
			},
			Required:      []string{"session_id"},
			IndexedFields: []string{"status", "actor"},
		},
		{
			Name:        "message",
			Title:       "Message",
			Description: "A single message within a session.",
			Category:    "runtime",
			Properties: map[string]*Field{
				"session_id": {Type: TypeString},
				"role":       {Type: TypeString, Enum: []string{"user", "assistant", "system", "tool"}},
				"content":    {Type: TypeString},
			},
			Required:      []string{"session_id", "role", "content"},
			IndexedFields: []string{"session_id", "role"},
		},
		{
			Name:        "feedback",
			Title:       "Feedback",
			Description: "A rating or free-text note attached to a prior message or resource.",
			Category:    "runtime",
			Properties: map[string]*Field{
				"target_id": {Type: TypeString},
				"score":     {Type: TypeNumber, Ge: ptrf(-1), Le: ptrf(1)},
				"note":      {Type: TypeString},
			},
			Required:      []string{"target_id"},
			IndexedFields: []string{"target_id"},
		},
	}
}

func ptrf(f float64) *float64 { return &f }
