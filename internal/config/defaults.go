package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Default returns the built-in World P.A.M. graph: public news and
// organization feeds mapped to interstate-war, civil-conflict, and nuclear
// signal families. Weights are starting points, meant to be edited.
func Default() *Graph {
	return &Graph{
		Sources: []Source{
			{Name: "reuters_world", URL: "https://feeds.reuters.com/reuters/worldNews", Kind: "rss", Timeout: 10},
			{Name: "ap_top", URL: "https://feeds.apnews.com/apf-topnews", Kind: "rss", Timeout: 10},
			{Name: "bbc_world", URL: "http://feeds.bbci.co.uk/news/world/rss.xml", Kind: "rss", Timeout: 10},
			{Name: "nato_news", URL: "https://www.nato.int/cps/en/natohq/news.htm?&format=xml", Kind: "rss", Timeout: 10},
			{Name: "un_news", URL: "https://news.un.org/feed/subscribe/en/news/all/rss.xml", Kind: "rss", Timeout: 10},
			{Name: "iaea_news", URL: "https://www.iaea.org/rss/news", Kind: "rss", Timeout: 10},
			{Name: "aljazeera", URL: "https://www.aljazeera.com/xml/rss/all.xml", Kind: "rss", Timeout: 10},
			{Name: "dw_world", URL: "https://www.dw.com/en/rss", Kind: "rss", Timeout: 10},
		},
		Signals: []SignalDef{
			{Name: "mobilization_indicators", Weight: 1.9, Description: "Reports of mobilization, troop movement, conscription", Aggregation: "sum", Cap: 1.0},
			{Name: "border_clashes", Weight: 2.4, Description: "Skirmishes at borders, shelling, strikes", Aggregation: "sum", Cap: 1.0},
			{Name: "diplomatic_breakdown", Weight: 1.6, Description: "Sanctions, expulsions, talks collapse", Aggregation: "sum", Cap: 1.0},
			{Name: "deescalation_signals", Weight: -1.5, Description: "Ceasefires, successful talks", Aggregation: "sum", Cap: 1.0},
			{Name: "domestic_unrest", Weight: 2.0, Description: "Protests, riots, strikes", Aggregation: "sum", Cap: 1.0},
			{Name: "coup_rumors", Weight: 2.2, Description: "Coup attempts, military statements", Aggregation: "sum", Cap: 1.0},
			{Name: "state_repression", Weight: 1.5, Description: "Crackdowns, martial law", Aggregation: "sum", Cap: 1.0},
			{Name: "power_sharing", Weight: -1.3, Description: "Coalitions, reform talks", Aggregation: "sum", Cap: 1.0},
			{Name: "nuclear_testing_talk", Weight: 2.6, Description: "ICBM tests, nuclear rhetoric", Aggregation: "max", Cap: 1.0},
			{Name: "energy_nuclear_incident", Weight: 0.8, Description: "Nuclear energy incidents (not weapons)", Aggregation: "sum", Cap: 0.8},
			{Name: "dealerting_confidence", Weight: -1.8, Description: "De-escalatory nuclear posture signals", Aggregation: "max", Cap: 1.0},
		},
		Hypotheses: []HypothesisDef{
			{Name: "global_war_risk", Prior: 0.05, Signals: []string{"mobilization_indicators", "border_clashes", "diplomatic_breakdown", "deescalation_signals"}},
			{Name: "civil_war_risk", Prior: 0.07, Signals: []string{"domestic_unrest", "coup_rumors", "state_repression", "power_sharing"}},
			{Name: "nuclear_use_risk", Prior: 0.01, Signals: []string{"nuclear_testing_talk", "dealerting_confidence", "deescalation_signals"}},
		},
		KeywordSets: map[string][]string{
			"mobilization":       {"mobilization", "conscription", "call-up", "draft", "reserve forces", "troop movement", "military convoy"},
			"border":             {"border clash", "skirmish", "shelling", "airstrike", "missile strike", "incursion", "artillery"},
			"diplo_break":        {"sanctions", "ambassador expelled", "talks collapse", "ceasefire fails", "breaking off relations"},
			"deescalate":         {"ceasefire", "talks resume", "peace talks", "truce", "de-escalation", "exchange of prisoners"},
			"unrest":             {"protest", "riots", "strike", "mass demonstration", "civil unrest"},
			"coup":               {"coup", "junta", "military takes power", "state of emergency", "martial law"},
			"repression":         {"crackdown", "curfew", "martial law", "security forces", "mass arrests"},
			"power_sharing":      {"coalition", "unity government", "power-sharing", "constitution reform"},
			"nuclear_weapons":    {"icbm", "ballistic missile", "nuclear test", "warhead", "nuclear strike", "launch"},
			"nuclear_deescalate": {"de-alert", "arms control", "treaty", "dialogue on strategic stability"},
		},
		Bindings: map[string]Binding{
			"mobilization_indicators": {Sources: []string{"reuters_world", "ap_top", "bbc_world", "aljazeera", "dw_world"}, KeywordSets: []string{"mobilization"}, WindowDays: 7},
			"border_clashes":          {Sources: []string{"reuters_world", "ap_top", "bbc_world", "aljazeera"}, KeywordSets: []string{"border"}, WindowDays: 7},
			"diplomatic_breakdown":    {Sources: []string{"reuters_world", "bbc_world", "dw_world"}, KeywordSets: []string{"diplo_break"}, WindowDays: 10},
			"deescalation_signals":    {Sources: []string{"reuters_world", "bbc_world", "un_news"}, KeywordSets: []string{"deescalate"}, WindowDays: 10},
			"domestic_unrest":         {Sources: []string{"reuters_world", "ap_top", "bbc_world", "aljazeera"}, KeywordSets: []string{"unrest"}, WindowDays: 7},
			"coup_rumors":             {Sources: []string{"reuters_world", "bbc_world", "dw_world"}, KeywordSets: []string{"coup"}, WindowDays: 14},
			"state_repression":        {Sources: []string{"reuters_world", "ap_top", "bbc_world"}, KeywordSets: []string{"repression"}, WindowDays: 10},
			"power_sharing":           {Sources: []string{"reuters_world", "bbc_world", "un_news"}, KeywordSets: []string{"power_sharing"}, WindowDays: 21},
			"nuclear_testing_talk":    {Sources: []string{"reuters_world", "bbc_world", "dw_world"}, KeywordSets: []string{"nuclear_weapons"}, WindowDays: 21},
			"energy_nuclear_incident": {Sources: []string{"iaea_news"}, KeywordSets: []string{"nuclear_weapons"}, WindowDays: 21},
			"dealerting_confidence":   {Sources: []string{"reuters_world", "bbc_world"}, KeywordSets: []string{"nuclear_deescalate"}, WindowDays: 30},
		},
	}
}

// WriteDefault writes the built-in graph to path as indented JSON.
func WriteDefault(path string) error {
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal default: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
