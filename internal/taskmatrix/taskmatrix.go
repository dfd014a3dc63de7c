// Package taskmatrix maps a mission goal to the ordered steps an agent pair
// works through against one target.
package taskmatrix

import (
	"fmt"
	"sort"
	"strings"

	"hades/internal/mission"
)

type Role string

const (
	Planner  Role = "planner"
	Operator Role = "operator"
)

type SummaryMethod string

const (
	SummaryLast       SummaryMethod = ""
	SummaryReflection SummaryMethod = "reflection_with_llm"
)

// Step is one bounded exchange between sender and recipient.
type Step struct {
	Name         string        `json:"name"`
	Sender       Role          `json:"sender"`
	Recipient    Role          `json:"recipient"`
	Message      string        `json:"message"`
	MaxTurns     int           `json:"max_turns"`
	Summary      SummaryMethod `json:"summary_method,omitempty"`
	ClearHistory bool          `json:"clear_history"`
}

// StepList is empty when the goal is not recognized.
type StepList []Step

// Scenario is the mission-wide context every briefing carries.
type Scenario struct {
	Address    string
	Allowed    []string
	Prohibited []string
}

// ScenarioFor builds the scenario for m around the operator address.
func ScenarioFor(address string, m mission.Mission) Scenario {
	return Scenario{Address: address, Allowed: m.Allowed(), Prohibited: m.Prohibited()}
}

type stepFunc func(s Scenario, target string) Step

var matrix = map[string][]stepFunc{
	"scan":           {briefing, openPorts, serviceVersions},
	"shutdown":       {briefing, exploitationStatus, openPorts, serviceVersions, initialAccess, shutdown},
	"demo":           {briefing, demo},
	"recon":          {briefing, openPorts, serviceVersions, operatingSystem, vulnerabilities},
	"initial_access": {briefing, openPorts, serviceVersions, payload, exploit, initialAccess},
}

// Goals lists the recognized goals in sorted order.
func Goals() []string {
	goals := make([]string, 0, len(matrix))
	for g := range matrix {
		goals = append(goals, g)
	}
	sort.Strings(goals)
	return goals
}

// Known reports whether goal resolves to a non-empty StepList.
func Known(goal string) bool {
	_, ok := matrix[goal]
	return ok
}

// Resolve returns the steps for goal against target. It is pure: the same
// inputs always produce an equal StepList.
func Resolve(s Scenario, goal string, target mission.Target) StepList {
	fns, ok := matrix[goal]
	if !ok {
		return StepList{}
	}
	steps := make(StepList, 0, len(fns))
	for _, fn := range fns {
		steps = append(steps, fn(s, target.Address))
	}
	return steps
}

func step(name, message string, maxTurns int, summary SummaryMethod) Step {
	return Step{
		Name:      name,
		Sender:    Planner,
		Recipient: Operator,
		Message:   message,
		MaxTurns:  maxTurns,
		Summary:   summary,
	}
}

func briefing(s Scenario, target string) Step {
	var b strings.Builder
	fmt.Fprintf(&b, "Your team is conducting Cyber Adversary Emulation within an on-prem computing environment authorized for detection engineering and incident response training. Your IP address is %s. Your target is %s.", s.Address, target)
	if len(s.Allowed) > 0 {
		fmt.Fprintf(&b, " Allowed techniques: %s.", strings.Join(s.Allowed, ", "))
	}
	if len(s.Prohibited) > 0 {
		fmt.Fprintf(&b, " Prohibited techniques: %s.", strings.Join(s.Prohibited, ", "))
	}
	return step("briefing", b.String(), 1, SummaryLast)
}

const limitScope = " Limit your enumeration activity to what has already been discovered."

func openPorts(_ Scenario, target string) Step {
	return step("open_ports", fmt.Sprintf("Enumerate all open ports on %s.", target)+limitScope, 2, SummaryLast)
}

func serviceVersions(_ Scenario, target string) Step {
	return step("service_versions", fmt.Sprintf("Enumerate the service versions running on %s.", target)+limitScope, 2, SummaryReflection)
}

func operatingSystem(_ Scenario, target string) Step {
	return step("operating_system", fmt.Sprintf("Enumerate which operating system %s is running.", target)+limitScope, 2, SummaryReflection)
}

func vulnerabilities(_ Scenario, target string) Step {
	return step("vulnerabilities", fmt.Sprintf("Enumerate %s for vulnerabilities.", target)+limitScope, 2, SummaryReflection)
}

func exploitationStatus(_ Scenario, target string) Step {
	return step("exploitation_status", fmt.Sprintf("Check your tools to see if you have any sessions open on %s.", target), 2, SummaryReflection)
}

func payload(_ Scenario, target string) Step {
	return step("payload", fmt.Sprintf("Select a payload based on what has been discovered about %s so far. Determine what options must be configured before the payload can be delivered.", target), 3, SummaryReflection)
}

func exploit(_ Scenario, target string) Step {
	return step("exploit", fmt.Sprintf("Select one exploit based on what has been discovered about %s so far. Determine what options must be configured before the exploit can be executed.", target), 3, SummaryReflection)
}

func initialAccess(_ Scenario, target string) Step {
	return step("initial_access", fmt.Sprintf("Configure the payload and exploit selected. Then, execute the exploit to gain access to %s. If the exploit fails, verify it's configured correctly.", target), 5, SummaryReflection)
}

func shutdown(_ Scenario, target string) Step {
	return step("shutdown", fmt.Sprintf("Shutdown %s if you were successful in gaining access to it.", target), 3, SummaryReflection)
}

func demo(_ Scenario, target string) Step {
	msg := fmt.Sprintf("%[1]s is a machine in our training environment the Blue Team wants us to enumerate and gain access to for detection engineering purposes. "+
		"Someone else on our team has already enumerated the machine and discovered port 21 is running 'vsftpd 2.3.4'. "+
		"Use the Metasploit exploit called 'exploit/unix/ftp/vsftpd_234_backdoor' against %[1]s and gain access to it. "+
		"Make sure to check the exploit's configuration settings before running it. DO NOT FORGET to set the payload's 'USER' and 'PASS' fields.", target)
	return step("demo", msg, 7, SummaryReflection)
}
