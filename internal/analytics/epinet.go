package analytics

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"
)

// GateType is the kind of condition an epinet step checks
type GateType string

const (
	GateBelief           GateType = "belief"
	GateIdentifyAs       GateType = "identifyAs"
	GateCommitmentAction GateType = "commitmentAction"
	GateConversionAction GateType = "conversionAction"
)

func (g GateType) isAction() bool {
	return g == GateCommitmentAction || g == GateConversionAction
}

// EpinetStep is one stage of a funnel
type EpinetStep struct {
	GateType   GateType `json:"gateType"`
	Title      string   `json:"title,omitempty"`
	Values     []string `json:"values"`
	ObjectType string   `json:"objectType,omitempty"`
	ObjectIDs  []string `json:"objectIds,omitempty"`
}

// Epinet is a named funnel definition
type Epinet struct {
	ID       string       `json:"id"`
	Title    string       `json:"title"`
	Steps    []EpinetStep `json:"steps"`
	Promoted bool         `json:"promoted"`
}

// ParseEpinetPayload decodes options_payload, which is either a bare step
// array or {steps, promoted}. Malformed payloads yield no steps.
func ParseEpinetPayload(raw string) ([]EpinetStep, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	if strings.HasPrefix(raw, "[") {
		var steps []EpinetStep
		if err := json.Unmarshal([]byte(raw), &steps); err != nil {
			return nil, false
		}
		return NormalizeSteps(steps), false
	}
	var obj struct {
		Steps    []EpinetStep `json:"steps"`
		Promoted bool         `json:"promoted"`
	}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, false
	}
	return NormalizeSteps(obj.Steps), obj.Promoted
}

// NormalizeSteps drops steps with an unknown gate type or no values
func NormalizeSteps(steps []EpinetStep) []EpinetStep {
	out := make([]EpinetStep, 0, len(steps))
	for _, s := range steps {
		switch s.GateType {
		case GateBelief, GateIdentifyAs, GateCommitmentAction, GateConversionAction:
		default:
			continue
		}
		values := slices.DeleteFunc(slices.Clone(s.Values), func(v string) bool { return v == "" })
		if len(values) == 0 {
			continue
		}
		s.Values = values
		if !s.GateType.isAction() {
			s.ObjectType, s.ObjectIDs = "", nil
		}
		out = append(out, s)
	}
	return out
}

// Event is a single visitor interaction. Belief events carry the belief id
// in ID; an Object marks an identifyAs answer.
type Event struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Verb   string `json:"verb"`
	Object string `json:"object,omitempty"`
}

// eventTypeBelief is the Event.Type of belief events
const eventTypeBelief = "Belief"

// MatchEventToStep reports whether ev satisfies step
func MatchEventToStep(ev Event, step EpinetStep) bool {
	switch {
	case ev.Type == eventTypeBelief && step.GateType == GateBelief:
		return slices.Contains(step.Values, ev.Verb)
	case ev.Type == eventTypeBelief && step.GateType == GateIdentifyAs:
		return ev.Object != "" && slices.Contains(step.Values, ev.Object)
	case step.GateType.isAction():
		return matchAction(step, ev.Type, ev.ID, ev.Verb)
	}
	return false
}

func matchAction(step EpinetStep, objectType, objectID, verb string) bool {
	if !slices.Contains(step.Values, verb) {
		return false
	}
	if step.ObjectType != "" && step.ObjectType != objectType {
		return false
	}
	if len(step.ObjectIDs) > 0 {
		return slices.Contains(step.ObjectIDs, objectID)
	}
	return true
}

// StepNodeID is the stable node id of a step applied to one content item:
// gateType-[objectType-]value-contentId
func StepNodeID(step EpinetStep, contentID string) string {
	parts := []string{string(step.GateType)}
	if step.GateType.isAction() {
		parts = append(parts, step.ObjectType)
	}
	if len(step.Values) > 0 {
		parts = append(parts, step.Values[0])
	}
	parts = append(parts, contentID)
	return strings.Join(parts, "-")
}

var actionLabels = map[string]string{
	"ENTERED":    "Entered",
	"PAGEVIEWED": "Viewed",
	"READ":       "Read",
	"GLOSSED":    "Skimmed",
	"WATCHED":    "Watched",
	"CLICKED":    "Clicked",
	"SUBMITTED":  "Submitted",
	"CONVERTED":  "Converted",
}

// StepNodeName is the display label of a step node
func StepNodeName(step EpinetStep, contentID string, titles map[string]string) string {
	label := step.Title
	if label == "" {
		label = strings.Join(step.Values, "/")
	}
	switch step.GateType {
	case GateBelief:
		return "Believes: " + label
	case GateIdentifyAs:
		return "Identifies as: " + label
	}

	title := titles[contentID]
	if title == "" {
		title = "Unknown Content"
	}
	verb := ""
	if len(step.Values) > 0 {
		verb = step.Values[0]
	}
	if l, ok := actionLabels[verb]; ok {
		verb = l
	}
	return verb + ": " + title
}

// epinetAnalysis lists the filter values every epinet of a tenant needs
type epinetAnalysis struct {
	beliefVerbs    []string
	identifyValues []string
	actionVerbs    []string
	actionTypes    []string
}

func analyzeEpinets(epinets []Epinet) epinetAnalysis {
	beliefs, identify := map[string]bool{}, map[string]bool{}
	verbs, types := map[string]bool{}, map[string]bool{}
	anyType := false
	for _, e := range epinets {
		for _, s := range e.Steps {
			switch {
			case s.GateType == GateBelief:
				addAll(beliefs, s.Values)
			case s.GateType == GateIdentifyAs:
				addAll(identify, s.Values)
			case s.GateType.isAction():
				addAll(verbs, s.Values)
				if s.ObjectType == "" {
					anyType = true
				} else {
					types[s.ObjectType] = true
				}
			}
		}
	}
	a := epinetAnalysis{
		beliefVerbs:    slices.Sorted(maps.Keys(beliefs)),
		identifyValues: slices.Sorted(maps.Keys(identify)),
		actionVerbs:    slices.Sorted(maps.Keys(verbs)),
	}
	// a step without an object type matches every type
	if !anyType {
		a.actionTypes = slices.Sorted(maps.Keys(types))
	}
	return a
}

func addAll(m map[string]bool, values []string) {
	for _, v := range values {
		m[v] = true
	}
}

// EpinetNode is one step node inside an hour bucket
type EpinetNode struct {
	Visitors  VisitorSet `json:"visitors"`
	Name      string     `json:"name"`
	StepIndex int        `json:"stepIndex"`
}

// HourlyEpinetData holds the step nodes and transitions of one epinet hour
type HourlyEpinetData struct {
	Steps map[string]*EpinetNode `json:"steps"`
	// Transitions is keyed by from node id, then to node id
	Transitions map[string]map[string]VisitorSet `json:"transitions"`
}

func newHourlyEpinetData() *HourlyEpinetData {
	return &HourlyEpinetData{Steps: map[string]*EpinetNode{}, Transitions: map[string]map[string]VisitorSet{}}
}

// clone deep-copies the bucket
func (h *HourlyEpinetData) clone() *HourlyEpinetData {
	c := newHourlyEpinetData()
	for id, n := range h.Steps {
		c.Steps[id] = &EpinetNode{Visitors: n.Visitors.Clone(), Name: n.Name, StepIndex: n.StepIndex}
	}
	for from, tos := range h.Transitions {
		c.Transitions[from] = make(map[string]VisitorSet, len(tos))
		for to, v := range tos {
			c.Transitions[from][to] = v.Clone()
		}
	}
	return c
}

func (h *HourlyEpinetData) addVisitor(nodeID, name string, stepIndex int, visitor string) {
	n := h.Steps[nodeID]
	if n == nil {
		n = &EpinetNode{Visitors: VisitorSet{}, Name: name, StepIndex: stepIndex}
		h.Steps[nodeID] = n
	}
	n.Visitors.Add(visitor)
}

func (h *HourlyEpinetData) addTransition(from, to, visitor string) {
	if from == "" || from == to {
		return
	}
	if h.Transitions[from] == nil {
		h.Transitions[from] = map[string]VisitorSet{}
	}
	if h.Transitions[from][to] == nil {
		h.Transitions[from][to] = VisitorSet{}
	}
	h.Transitions[from][to].Add(visitor)
}

// visitorNodes groups node ids by visitor
func (h *HourlyEpinetData) visitorNodes() map[string][]string {
	out := map[string][]string{}
	for id, n := range h.Steps {
		for v := range n.Visitors {
			out[v] = append(out[v], id)
		}
	}
	return out
}

// computeChronologicalTransitions links every pair of nodes a visitor hit
// in this hour, ordered by step index then node id, never backwards
func (h *HourlyEpinetData) computeChronologicalTransitions() {
	for visitor, nodes := range h.visitorNodes() {
		if len(nodes) < 2 {
			continue
		}
		slices.SortFunc(nodes, func(a, b string) int {
			if d := h.Steps[a].StepIndex - h.Steps[b].StepIndex; d != 0 {
				return d
			}
			return strings.Compare(a, b)
		})
		for i := range nodes {
			for j := i + 1; j < len(nodes); j++ {
				if h.Steps[nodes[i]].StepIndex <= h.Steps[nodes[j]].StepIndex {
					h.addTransition(nodes[i], nodes[j], visitor)
				}
			}
		}
	}
}

// stepTransitions returns links only between consecutive step indices
func (h *HourlyEpinetData) stepTransitions() map[string]map[string]VisitorSet {
	out := map[string]map[string]VisitorSet{}
	for visitor, nodes := range h.visitorNodes() {
		byStep := map[int][]string{}
		for _, id := range nodes {
			idx := h.Steps[id].StepIndex
			byStep[idx] = append(byStep[idx], id)
		}
		indices := slices.Sorted(maps.Keys(byStep))
		for i := 0; i+1 < len(indices); i++ {
			if indices[i+1] != indices[i]+1 {
				continue
			}
			for _, from := range byStep[indices[i]] {
				for _, to := range byStep[indices[i+1]] {
					if out[from] == nil {
						out[from] = map[string]VisitorSet{}
					}
					if out[from][to] == nil {
						out[from][to] = VisitorSet{}
					}
					out[from][to].Add(visitor)
				}
			}
		}
	}
	return out
}
