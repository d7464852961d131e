package insight

// TableSchema lists the columns a builder reads from one store table.
type TableSchema struct {
	Table   string
	Columns []string
}

// TelemetrySchema is the ClickHouse layout the website and AI gateway builders depend on.
func TelemetrySchema() []TableSchema {
	return []TableSchema{
		{
			Table: websiteTable,
			Columns: []string{
				"id", "workspace_id", "website_id", "session_id", "visitor_id", "created_at", "event_type",
				"event_name", "url_path", "referrer_domain", "page_title", "hostname", "browser", "os", "device",
				"screen", "language", "country", "subdivision1", "city", "event_data",
			},
		},
		{
			Table: aigatewayTable,
			Columns: []string{
				"id", "workspace_id", "gateway_id", "provider", "model_name", "status", "stream", "user_id",
				"input_token", "output_token", "duration", "ttft", "price", "created_at",
				"request_payload", "response_payload",
			},
		},
	}
}

// SurveySchema is the relational layout the survey builder depends on.
func SurveySchema() []TableSchema {
	result := []string{"id", "surveyId", "sessionId", "payload", "createdAt"}
	return []TableSchema{
		{Table: surveyResultTable, Columns: append(result, surveyBuiltinFields...)},
		{Table: surveyTable, Columns: []string{"id", "workspaceId"}},
	}
}
