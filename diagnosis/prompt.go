package diagnosis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"agriscan/models"
)

// ErrInvalidRecord is returned when a provider answer lacks required fields.
var ErrInvalidRecord = errors.New("invalid diagnosis record")

const careRecommendationCount = 4

var languageNames = map[string]string{
	"en": "English",
	"hi": "Hindi",
	"kn": "Kannada",
}

// LanguageName maps a language code to the name used in prompts. Unknown
// codes fall back to English.
func LanguageName(code string) string {
	if name, ok := languageNames[strings.ToLower(strings.TrimSpace(code))]; ok {
		return name
	}
	return "English"
}

// BuildPrompt returns the system instruction and the user prompt for one
// disease in one language.
func BuildPrompt(disease, language string) (system, prompt string) {
	lang := LanguageName(language)
	code := strings.ToLower(strings.TrimSpace(language))
	if code == "" {
		code = "en"
	}

	system = fmt.Sprintf("You are a plant pathology expert. You MUST respond in %s language for ALL content fields.", lang)

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are a plant pathology expert. Provide detailed information about the plant disease: %s\n\n", disease)
	fmt.Fprintf(&sb, "CRITICAL LANGUAGE REQUIREMENT:\nYou MUST write ALL content in **%s** language.\nLanguage code: %s\nLanguage name: %s\n\n", lang, code, lang)
	fmt.Fprintf(&sb, "The farmer needs information in their native %s language.\n\n", lang)
	sb.WriteString("Please respond in JSON format with the following structure:\n")
	fmt.Fprintf(&sb, `{
    "name": %q,
    "scientific_name": "scientific name in Latin",
    "description": "detailed description - WRITE IN %[2]s ONLY - use bold markdown **for key terms**",
    "symptoms": ["symptom 1 - WRITE IN %[2]s", "symptom 2 - WRITE IN %[2]s", "symptom 3 - WRITE IN %[2]s"],
    "treatment": {
        "organic": ["organic method 1 - WRITE IN %[2]s", "organic method 2 - WRITE IN %[2]s"],
        "chemical": ["chemical method 1 - WRITE IN %[2]s", "chemical method 2 - WRITE IN %[2]s"],
        "cultural": ["cultural practice 1 - WRITE IN %[2]s", "cultural practice 2 - WRITE IN %[2]s"]
    },
    "prevention": ["prevention 1 - WRITE IN %[2]s", "prevention 2 - WRITE IN %[2]s", "prevention 3 - WRITE IN %[2]s"],
    "care_recommendations": ["care tip 1 - WRITE IN %[2]s - use **bold** for action words", "care tip 2 - WRITE IN %[2]s", "care tip 3 - WRITE IN %[2]s", "care tip 4 - WRITE IN %[2]s"],
    "severity": "low|medium|high",
    "affected_plants": ["plant 1", "plant 2"]
}`, disease, lang)
	sb.WriteString("\n\nSTRICT REQUIREMENTS:\n")
	fmt.Fprintf(&sb, "1. EVERY text field (description, symptoms, treatment, prevention, care_recommendations) MUST be written in %s\n", lang)
	fmt.Fprintf(&sb, "2. Only keep \"name\" and \"scientific_name\" in English/Latin - everything else MUST be %s\n", lang)
	sb.WriteString("3. Use **bold markdown** for important keywords\n")
	fmt.Fprintf(&sb, "4. Provide EXACTLY %d care_recommendations\n", careRecommendationCount)
	sb.WriteString("5. Make content practical for farmers\n")
	sb.WriteString("6. DO NOT translate field names (like \"description\", \"symptoms\") - only translate the VALUES\n")

	return system, sb.String()
}

// extractJSON strips a markdown fence around the answer, if any.
func extractJSON(text string) string {
	if _, after, ok := strings.Cut(text, "```json"); ok {
		body, _, _ := strings.Cut(after, "```")
		return strings.TrimSpace(body)
	}
	if _, after, ok := strings.Cut(text, "```"); ok {
		body, _, _ := strings.Cut(after, "```")
		return strings.TrimSpace(body)
	}

	text = strings.TrimSpace(text)
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start > 0 && end > start {
		return text[start : end+1]
	}
	return text
}

// ParseDiagnosis decodes and validates a provider answer for the requested
// disease.
func ParseDiagnosis(text, requested string) (*models.Diagnosis, error) {
	var record models.Diagnosis
	if err := json.Unmarshal([]byte(extractJSON(text)), &record); err != nil {
		return nil, fmt.Errorf("decode provider answer: %w", err)
	}
	if err := normalize(&record, requested); err != nil {
		return nil, err
	}
	return &record, nil
}

func normalize(record *models.Diagnosis, requested string) error {
	if strings.TrimSpace(record.Description) == "" {
		return fmt.Errorf("%w: missing description", ErrInvalidRecord)
	}
	if len(record.Symptoms) == 0 {
		return fmt.Errorf("%w: no symptoms", ErrInvalidRecord)
	}
	if record.Treatment.Empty() {
		return fmt.Errorf("%w: no treatment", ErrInvalidRecord)
	}
	if len(record.CareRecommendations) < careRecommendationCount {
		return fmt.Errorf("%w: %d care recommendations, want %d", ErrInvalidRecord, len(record.CareRecommendations), careRecommendationCount)
	}
	record.CareRecommendations = record.CareRecommendations[:careRecommendationCount]

	if strings.TrimSpace(record.Name) == "" {
		record.Name = requested
	}
	if record.Severity == "" {
		record.Severity = models.SeverityMedium
	}
	return nil
}
