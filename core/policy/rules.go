package policy

import "strings"

func DefaultRules() []Rule {
	return []Rule{
		RuleFunc(checkCMERules),
		RuleFunc(checkFINRARules),
		RuleFunc(checkSECRules),
		RuleFunc(checkEthicalBoundaries),
	}
}

// CME Rule 575, prohibited trading practices.
func checkCMERules(operation string, params Params) []Result {
	if strings.Contains(strings.ToLower(operation), "market_manipulation") {
		return []Result{{
			Rule:    "CME Rule 575",
			Level:   LevelCritical,
			Message: "Market manipulation practices are prohibited",
		}}
	}
	return []Result{{
		Rule:    "CME Rule 575",
		Level:   LevelInfo,
		Passed:  true,
		Message: "No prohibited trading practices detected",
	}}
}

// FINRA Rule 6140, latency arbitrage.
func checkFINRARules(operation string, params Params) []Result {
	if params.LatencyAdvantage && params.UnfairAccess {
		return []Result{{
			Rule:    "FINRA Rule 6140",
			Level:   LevelViolation,
			Message: "Potential latency arbitrage detected",
		}}
	}
	return []Result{{
		Rule:    "FINRA Rule 6140",
		Level:   LevelInfo,
		Passed:  true,
		Message: "No latency arbitrage concerns detected",
	}}
}

// SEC Regulation ATS, fair access.
func checkSECRules(operation string, params Params) []Result {
	if params.RestrictedAccess {
		return []Result{{
			Rule:    "SEC Regulation ATS",
			Level:   LevelWarning,
			Message: "Ensure fair access requirements are met",
		}}
	}
	return []Result{{
		Rule:    "SEC Regulation ATS",
		Level:   LevelInfo,
		Passed:  true,
		Message: "Fair access requirements satisfied",
	}}
}

func checkEthicalBoundaries(operation string, params Params) []Result {
	var results []Result
	if !params.ResearchOnly {
		results = append(results, Result{
			Rule:    "Ethical Boundaries",
			Level:   LevelCritical,
			Message: "Operations must be for research purposes only",
		})
	}
	if !params.TransparentMethodology {
		results = append(results, Result{
			Rule:    "Ethical Boundaries",
			Level:   LevelWarning,
			Message: "Methodology should be transparent and documented",
		})
	}
	return results
}
