// Package bounce detects delivery-failure notifications and assigns
// them an RFC 3463 style status code. Everything here is a pure
// function over message content; the heuristics are kept as ordered
// pattern tables so the rule order stays auditable. Multiple patterns
// can match the same text, so the order is load-bearing and must not
// be reshuffled.
package bounce

import (
	"regexp"
	"strings"

	"github.com/mikey/pgp-list-relay/internal/message"
)

// StatusUnknown is returned when no heuristic matches.
const StatusUnknown = "unknown"

var (
	bounceSubjectRe = regexp.MustCompile(`(?i)(returned|undelivered) mail|mail delivery( failed)?|(delivery )(status notification|failure)|failure notice|undeliver(able|ed)( mail)?|return(ing message|ed) to sender`)
	autoReplyRe     = regexp.MustCompile(`(?i)auto.*reply|vacation|vocation|(out|away).*office|on holiday|abwesenheits|autorespond|Automatische|eingangsbestätigung`)
	precedenceRe    = regexp.MustCompile(`(?i)auto.*(reply|responder|antwort)`)
	mailerDaemonRe  = regexp.MustCompile(`(?i)^(MAILER-DAEMON|POSTMASTER)@`)
)

// IsBounce reports whether the message looks like a delivery-failure
// notification or autoresponder reply: empty return-path, known
// subject phrases, an autoresponder Precedence header, or a
// mailer-daemon/postmaster sender.
func IsBounce(e *message.Entity) bool {
	if strings.TrimSpace(e.Header.Get("Return-Path")) == "<>" {
		return true
	}
	subject := e.Subject()
	if bounceSubjectRe.MatchString(subject) || autoReplyRe.MatchString(subject) {
		return true
	}
	if precedenceRe.MatchString(e.Header.Get("Precedence")) {
		return true
	}
	from := e.Header.Get("From")
	return mailerDaemonRe.MatchString(strings.TrimSpace(from))
}

// Custom status codes checked against the subject before anything
// else. 96 is matched against the raw message instead.
var (
	delayedRe      = regexp.MustCompile(`(?i)delayed`)
	badAttachRe    = regexp.MustCompile(`(?i)(unzulässiger|unerlaubter) anhang`)
	vacationRe     = regexp.MustCompile(`(?i)auto.*reply|férias|ferias|Estarei ausente|estou ausente|vacation|vocation|(out|away).*office|on holiday|abwesenheits|autorespond|Automatische|eingangsbestätigung`)
	feedbackLoopRe = regexp.MustCompile(`(?i)Feedback-Type: abuse`)

	structuredStatusRe = regexp.MustCompile(`(Status:.|550 |#)([245]\.[0-9]{1,3}\.[0-9]{1,3})`)

	mailboxFullRe      = regexp.MustCompile(`(?i)mailbox is full|Mailbox quota (usage|disk) exceeded|quota exceeded|Over quota|User mailbox exceeds allowed size|Message rejected\. Not enough storage space|user has exhausted allowed storage space|too many messages on the server|mailbox is over quota|mailbox exceeds allowed size|excedeu a quota`)
	mailboxFullPermRe  = regexp.MustCompile(`(?i)This is a permanent error||(Status: )?5\.2\.2`)
	gmailTechPermRe    = regexp.MustCompile(`(?i)Technical details of permanent failure|Too many bad recipients`)
	gmailTechTempRe    = regexp.MustCompile(`(?i)Technical details of temporary failure`)
	gmailConnDetailsRe = [...]*regexp.Regexp{
		regexp.MustCompile(`(?i)The recipient server did not accept our requests to connect`),
		regexp.MustCompile(`(?i)Connection was dropped by remote host`),
		regexp.MustCompile(`(?i)Could not initiate SMTP conversation`),
	}
)

type textRule struct {
	re   *regexp.Regexp
	code string
}

// textRules is applied in order: more specific rules come before the
// generic fallbacks, exactly mirroring the table this was derived
// from.
var textRules = []textRule{
	{regexp.MustCompile(`(?i)Status: 5\.0\.0`), "5.0.0"},
	{regexp.MustCompile(`(?i)no such (address|user)|Recipient address rejected|User unknown|does not like recipient|The recipient was unavailable to take delivery of the message|Sorry, no mailbox here by that name|invalid address|unknown user|unknown local part|user not found|invalid recipient|failed after I sent the message|did not reach the following recipient|nicht zugestellt werden|o pode ser entregue para um ou mais`), "5.1.1"},
	{regexp.MustCompile(`(?i)unrouteable mail domain|Esta casilla ha expirado por falta de uso|I couldn't find any host named`), "5.1.2"},
	// mailbox-full handled separately, keeps its position here.
	{nil, ""},
	{regexp.MustCompile(`Address rejected`), "5.1.0"},
	{regexp.MustCompile(`I couldn't find any host by that name`), "4.1.2"},
	{regexp.MustCompile(`(?i)not yet been delivered`), "4.2.0"},
	{regexp.MustCompile(`(?i)mailbox unavailable|No such mailbox|RecipientNotFound|not found by SMTP address lookup|Status: 5\.1\.1`), "5.1.1"},
	{regexp.MustCompile(`(?i)Status: 5\.2\.3`), "5.2.3"},
	{regexp.MustCompile(`(?i)Status: 5\.4\.0`), "5.4.0"},
	{regexp.MustCompile(`(?i)Unrouteable address`), "5.4.4"},
	{regexp.MustCompile(`(?i)retry timeout exceeded`), "4.4.7"},
	{regexp.MustCompile(`(?i)The account or domain may not exist, they may be blacklisted, or missing the proper dns entries\.`), "5.2.0"},
	{regexp.MustCompile(`(?i)554 TRANSACTION FAILED`), "5.5.4"},
	{regexp.MustCompile(`(?i)Status: 4.4.1|delivery temporarily suspended|wasn't able to establish an SMTP connection`), "4.4.1"},
	{regexp.MustCompile(`(?i)550 OU-002|Mail rejected by Windows Live Hotmail for policy reasons`), "5.5.0"},
	{regexp.MustCompile(`(?i)PERM_FAILURE: DNS Error: Domain name not found`), "5.1.2"},
	{regexp.MustCompile(`(?i)Delivery attempts will continue to be made for`), "4.2.0"},
	{regexp.MustCompile(`(?i)554 delivery error:`), "5.5.4"},
	{regexp.MustCompile(`(?i)550-5.1.1|This Gmail user does not exist`), "5.1.1"},
	{regexp.MustCompile(`(?i)5.7.1 Your message.*?was blocked by ROTA DNSBL`), "5.7.1"},
	{regexp.MustCompile(`(?i)not have permission to post messages to the group`), "5.7.2"},
	// gmail connection failures handled separately below.
	{nil, ""},
	{regexp.MustCompile(`(?i)Delivery to the following recipient failed permanently`), "5.0.0"},
	{regexp.MustCompile(`(?i)account closed|account has been disabled or discontinued|mailbox not found|prohibited by administrator|access denied|account does not exist`), "5.2.3"},
}

// Classify determines the status code of a suspected bounce. The
// checks run in a fixed order: subject-based custom codes, the
// feedback-loop marker, the structured status in the second MIME part,
// then the free-text table over the primary body and, only if that
// found nothing, over the entire raw message.
func Classify(e *message.Entity) string {
	subject := e.Subject()
	switch {
	case delayedRe.MatchString(subject):
		return "97"
	case badAttachRe.MatchString(subject):
		return "98"
	case vacationRe.MatchString(subject):
		return "99"
	}

	raw := string(e.Bytes())
	if feedbackLoopRe.MatchString(raw) {
		return "96"
	}

	if len(e.Parts) > 1 {
		if m := structuredStatusRe.FindStringSubmatch(string(e.Parts[1].Body)); m != nil {
			return m[2]
		}
	}

	if code := classifyText(primaryBody(e)); code != "" {
		return code
	}
	if code := classifyText(raw); code != "" {
		return code
	}
	return StatusUnknown
}

func primaryBody(e *message.Entity) string {
	if part := e.FirstPlaintextPart(); part != nil {
		return part.DecodedText()
	}
	return string(e.Body)
}

func classifyText(text string) string {
	for i, rule := range textRules {
		if rule.re == nil {
			switch i {
			case 3:
				if mailboxFullRe.MatchString(text) {
					if mailboxFullPermRe.MatchString(text) {
						return "5.2.2"
					}
					return "4.2.2"
				}
			default:
				if code := classifyGmailTechnical(text); code != "" {
					return code
				}
			}
			continue
		}
		if rule.re.MatchString(text) {
			return rule.code
		}
	}
	return ""
}

func classifyGmailTechnical(text string) string {
	connection := false
	for _, re := range gmailConnDetailsRe {
		if re.MatchString(text) {
			connection = true
			break
		}
	}
	if !connection {
		return ""
	}
	if gmailTechPermRe.MatchString(text) {
		return "5.3.2"
	}
	if gmailTechTempRe.MatchString(text) {
		return "4.3.2"
	}
	return ""
}
