package router

import (
	"regexp"

	"github.com/kalambet/machinist/internal/agent"
)

var (
	sqlSignals = regexp.MustCompile(`\b(which machines?|what machines?|average|avg|mean (vibration|temperature|pressure|spindle speed)|count|how many|max|maximum|min|minimum|above|below|greater than|less than|more than|higher than|lower than|exceed\w*|top \d+|compare|comparison|trend\w*|total|sum|highest|lowest|per machine|readings?|show (me )?(the )?(vibration|temperature|pressure|spindle speed))\b`)

	retrievalSignals = regexp.MustCompile(`\b(how do i|how to|how can i|how should i|fix|repair\w*|replace\w*|procedure\w*|manuals?|guides?|troubleshoot\w*|error codes?|documents?|documentation|instructions?|steps?|maintenance schedule|lubricat\w*|calibrat\w*|recommend\w*|what does \S+ mean)\b`)

	anomalySignals  = regexp.MustCompile(`\b(anomal\w*|outliers?|unusual|weird|abnormal\w*|spikes?)\b`)
	forecastSignals = regexp.MustCompile(`\b(forecast\w*|predict\w*|remaining useful life|rul|when will .+ fail|will .+ fail)\b`)
)

// lexical is the deterministic first pass over a lowercased question.
type lexical struct {
	sql       bool
	retrieval bool
	analysis  agent.Analysis
}

func scan(lower string) lexical {
	l := lexical{
		sql:       sqlSignals.MatchString(lower),
		retrieval: retrievalSignals.MatchString(lower),
	}
	switch {
	case forecastSignals.MatchString(lower):
		l.analysis = agent.AnalysisForecast
	case anomalySignals.MatchString(lower):
		l.analysis = agent.AnalysisAnomaly
	}
	return l
}

// strategy returns the lexical verdict, or "" when the question carried no
// signal at all.
func (l lexical) strategy() (Strategy, string) {
	switch {
	case l.analysis != agent.AnalysisNone && l.retrieval:
		return Hybrid, "asks how to act on " + string(l.analysis) + " analysis of telemetry"
	case l.analysis != agent.AnalysisNone:
		return SQL, "asks for " + string(l.analysis) + " analysis of telemetry"
	case l.sql && l.retrieval:
		return Hybrid, "combines telemetry aggregation with manual guidance"
	case l.sql:
		return SQL, "aggregate or threshold language over telemetry"
	case l.retrieval:
		return Retrieval, "procedural or documentation language"
	}
	return "", ""
}
