package agent

import "regexp"

// Classifier decides whether a user message is simple conversation that can
// be answered directly, or a task that needs a step. The heuristic is
// replaceable; the default is a fixed regex set.
type Classifier interface {
	IsSimple(message string) bool
}

// RegexClassifier is the default conversational classifier: known
// greeting/thanks/farewell/affirmation/help/small-talk shapes are simple,
// and so are short messages that do not read like task requests.
type RegexClassifier struct {
	simple   []*regexp.Regexp
	taskLike *regexp.Regexp
}

// NewRegexClassifier builds the default classifier.
func NewRegexClassifier() *RegexClassifier {
	return &RegexClassifier{
		simple: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^\s*(hi|hello|hey|howdy|good\s+(morning|afternoon|evening))\b`),
			regexp.MustCompile(`(?i)^\s*(thanks|thank\s+you|thx|ty)\b`),
			regexp.MustCompile(`(?i)^\s*(bye|goodbye|see\s+you|later)\b`),
			regexp.MustCompile(`(?i)^\s*(ok|okay|yes|no|sure|got\s+it|sounds\s+good|great|nice|cool)\W*$`),
			regexp.MustCompile(`(?i)^\s*help\W*$`),
			regexp.MustCompile(`(?i)^\s*(how\s+are\s+you|what'?s\s+up|who\s+are\s+you)\b`),
		},
		taskLike: regexp.MustCompile(`(?i)\b(create|build|make|generate|write|develop|implement|design|analyze|research)\b|` +
			`(?i)\bcan\s+you\s+\w+|\bi\s+want\s+to\s+\w+|\bi\s+need\s+\w+|\bplease\s+\w+`),
	}
}

// IsSimple reports whether the message is simple conversation.
func (c *RegexClassifier) IsSimple(message string) bool {
	for _, re := range c.simple {
		if re.MatchString(message) {
			return true
		}
	}
	return len(message) < 50 && !c.taskLike.MatchString(message)
}
