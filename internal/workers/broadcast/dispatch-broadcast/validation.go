package dispatchbroadcast

import "wa-broadcast-workers/internal/common/validation"

func GetInputSchema() validation.JSONSchema {
	return validation.JSONSchema{
		Type:     "object",
		Required: []string{"broadcastId", "templateName", "templateData", "lineId"},
		Properties: map[string]validation.Property{
			"broadcastId": {
				Type:        "integer",
				Description: "BroadcastList row id",
				Minimum:     validation.FloatPtr(1),
			},
			"userId": {
				Type:        "integer",
				Description: "Owner of the broadcast, defaults to the job's user",
				Minimum:     validation.FloatPtr(0),
			},
			"templateName": {
				Type:        "string",
				Description: "Approved template name",
				MinLength:   validation.IntPtr(1),
				MaxLength:   validation.IntPtr(512),
			},
			"templateData": {
				Type:        []string{"string", "object"},
				Description: "Template metadata carrying at least the language code",
			},
			"recipients": {
				Type:        "array",
				Description: "Recipients for this run, defaults to the job's stored contacts",
				Items: &validation.Property{
					Type:     "object",
					Required: []string{"phone"},
					Properties: map[string]validation.Property{
						"name":  {Type: "string", MaxLength: validation.IntPtr(255)},
						"phone": {Type: "string", MinLength: validation.IntPtr(3), MaxLength: validation.IntPtr(32)},
					},
				},
			},
			"imageId": {
				Type:        "string",
				Description: "Uploaded media id used as the header image",
			},
			"bodyParameterMode": {
				Type:        "string",
				Description: "\"Name\" personalises the body with the recipient name",
				MaxLength:   validation.IntPtr(32),
			},
			"lineId": {
				Type:        "string",
				Description: "Sending phone number id",
				MinLength:   validation.IntPtr(1),
			},
			"apiBaseUrl": {
				Type:        "string",
				Description: "Phone number base URL of the messaging API, built from lineId when absent",
				Pattern:     strPtr(`^https?://`),
			},
			"authHeaders": {
				Type:                 "object",
				Description:          "Headers sent with every API call",
				AdditionalProperties: map[string]interface{}{"type": "string"},
			},
			"accessToken": {
				Type:        "string",
				Description: "Bearer token used when apiBaseUrl and authHeaders are not given",
				MinLength:   validation.IntPtr(1),
			},
			"countryHint": {
				Type:        "string",
				Description: "ISO region used to parse local numbers",
				Pattern:     strPtr(`^[A-Za-z]{2}$`),
			},
			"scheduledAt": {
				Type:        "string",
				Description: "Enqueue time, RFC3339",
				Format:      "date-time",
			},
			"recurrence": {
				Type:        "object",
				Description: "Weekly repetition",
				Required:    []string{"days", "time"},
				Properties: map[string]validation.Property{
					"days":     {Type: "array", MinItems: validation.IntPtr(1), Items: &validation.Property{Type: "string"}},
					"time":     {Type: "string", Pattern: strPtr(`^([01]?[0-9]|2[0-3]):[0-5][0-9]$`)},
					"timezone": {Type: "string"},
				},
			},
		},
		AdditionalProperties: false,
	}
}

// ValidateRequest checks a dispatch request against the input schema and requires a way
// to reach the API: either apiBaseUrl or an accessToken to build it from lineId.
func ValidateRequest(variables map[string]interface{}) *validation.ValidationResult {
	result := validation.ValidateInput(variables, GetInputSchema())

	baseURL, _ := variables["apiBaseUrl"].(string)
	token, _ := variables["accessToken"].(string)
	if baseURL == "" && token == "" {
		result.Valid = false
		result.Errors = append(result.Errors, validation.ValidationError{
			Field:   "apiBaseUrl",
			Message: "one of apiBaseUrl or accessToken is required",
			Code:    "REQUIRED_FIELD_MISSING",
		})
	}
	return result
}

func GetOutputSchema() validation.JSONSchema {
	return validation.JSONSchema{
		Type: "object",
		Properties: map[string]validation.Property{
			"broadcastId": {Type: "integer"},
			"runId":       {Type: "string"},
			"state":       {Type: "string", Enum: []string{RunStateDone, RunStateSkipped}},
			"success":     {Type: "integer", Minimum: validation.FloatPtr(0)},
			"failed":      {Type: "integer", Minimum: validation.FloatPtr(0)},
			"status":      {Type: "string"},
			"nextRunAt":   {Type: "string", Format: "date-time"},
		},
		AdditionalProperties: false,
	}
}

func strPtr(s string) *string {
	return &s
}
