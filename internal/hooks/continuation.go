package hooks

import (
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/common/logger"
)

// ContinuationMessage is appended as a user turn when the model stopped
// mid-task without signalling completion.
const ContinuationMessage = "Continue from where you left off. Finish the remaining work and end your response with DONE or 완료 when everything is complete."

// longResponseChars is the default length past which a response without
// terminal punctuation is treated as cut off. A heuristic, not a contract.
const longResponseChars = 1800

// defaultCompletionMarkers end a response explicitly.
var defaultCompletionMarkers = []string{"DONE", "TASK_COMPLETE", "완료"}

// incompletePatterns match phrasings that promise more output.
var incompletePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bI(?:'ll| will) continue\b`),
	regexp.MustCompile(`(?i)\b(?:continuing|proceeding) (?:with|to)\b`),
	regexp.MustCompile(`(?i)\blet me (?:continue|keep going|proceed)\b`),
	regexp.MustCompile(`(?i)\bnext,? I(?:'ll| will)\b`),
	regexp.MustCompile(`계속하겠습니다`),
}

// Continuation decides, after an end_turn, whether the response looks
// unfinished and the loop should ask the model to keep going. At most
// maxRetries consecutive continuations fire per channel; a manual stop flag
// vetoes everything.
type Continuation struct {
	markers    []string
	maxRetries int
	logger     *logger.Logger

	mu      sync.Mutex
	retries map[string]int
	stopped map[string]bool
}

// NewContinuation creates the stop-continuation handler. Zero maxRetries
// means 3; nil markers take the defaults.
func NewContinuation(markers []string, maxRetries int, log *logger.Logger) *Continuation {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if len(markers) == 0 {
		markers = defaultCompletionMarkers
	}
	return &Continuation{
		markers:    markers,
		maxRetries: maxRetries,
		logger:     log.WithFields(zap.String("component", "continuation-hook")),
		retries:    make(map[string]int),
		stopped:    make(map[string]bool),
	}
}

// Reset clears the channel's consecutive-continuation counter and stop
// flag. The loop calls this when a new message arrives.
func (c *Continuation) Reset(channelKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries[channelKey] = 0
	delete(c.stopped, channelKey)
}

// Stop vetoes further continuation for the channel until the next Reset.
func (c *Continuation) Stop(channelKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped[channelKey] = true
}

// ShouldContinue inspects the final response text after an end_turn and
// reports whether the loop should inject the continuation message.
func (c *Continuation) ShouldContinue(channelKey, finalText string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped[channelKey] {
		return false
	}
	if c.retries[channelKey] >= c.maxRetries {
		c.logger.Debug("continuation budget exhausted", zap.String("channel", channelKey))
		return false
	}

	if !looksIncomplete(finalText, c.markers) {
		c.retries[channelKey] = 0
		return false
	}

	c.retries[channelKey]++
	c.logger.Info("response looks incomplete, continuing",
		zap.String("channel", channelKey),
		zap.Int("attempt", c.retries[channelKey]))
	return true
}

// looksIncomplete applies the heuristic: a completion marker in the trailing
// lines means done; otherwise an incomplete phrasing, or a long response
// without terminal punctuation, means keep going.
func looksIncomplete(text string, markers []string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}

	if hasCompletionMarker(trimmed, markers) {
		return false
	}

	for _, re := range incompletePatterns {
		if re.MatchString(trimmed) {
			return true
		}
	}

	if len([]rune(trimmed)) >= longResponseChars && !endsWithTerminalPunctuation(trimmed) {
		return true
	}
	return false
}

// hasCompletionMarker scans the last few lines for any configured marker.
func hasCompletionMarker(text string, markers []string) bool {
	lines := strings.Split(text, "\n")
	start := len(lines) - 5
	if start < 0 {
		start = 0
	}
	for _, line := range lines[start:] {
		for _, marker := range markers {
			if strings.Contains(line, marker) {
				return true
			}
		}
	}
	return false
}

func endsWithTerminalPunctuation(text string) bool {
	runes := []rune(text)
	switch runes[len(runes)-1] {
	case '.', '!', '?', ':', '"', '\'', '`', ')', ']', '}', '。', '！', '？':
		return true
	}
	return false
}
