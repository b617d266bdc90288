package bounce

import "strings"

// statusDescriptions maps the middle+final digit pair of a status code
// to its explanation: RFC 3463 definitions plus the custom extension
// codes 96-99.
var statusDescriptions = map[string]string{
	"00": "Other undefined status is the only undefined error code. It should be used for all errors for which only the class of the error is known.",
	"10": "Something about the address specified in the message caused this DSN.",
	"11": "The mailbox specified in the address does not exist.  For Internet mail names, this means the address portion to the left of the '@' sign is invalid.  This code is only useful for permanent failures.",
	"12": "The destination system specified in the address does not exist or is incapable of accepting mail.  For Internet mail names, this means the address portion to the right of the @ is invalid for mail.  This codes is only useful for permanent failures.",
	"13": "The destination address was syntactically invalid.  This can apply to any field in the address.  This code is only useful for permanent failures.",
	"14": "The mailbox address as specified matches one or more recipients on the destination system.  This may result if a heuristic address mapping algorithm is used to map the specified address to a local mailbox name.",
	"15": "This mailbox address as specified was valid.  This status code should be used for positive delivery reports.",
	"16": "The mailbox address provided was at one time valid, but mail is no longer being accepted for that address.  This code is only useful for permanent failures.",
	"17": "The sender's address was syntactically invalid.  This can apply to any field in the address.",
	"18": "The sender's system specified in the address does not exist or is incapable of accepting return mail.  For domain names, this means the address portion to the right of the @ is invalid for mail. ",
	"20": "The mailbox exists, but something about the destination mailbox has caused the sending of this DSN.",
	"21": "The mailbox exists, but is not accepting messages.  This may be a permanent error if the mailbox will never be re-enabled or a transient error if the mailbox is only temporarily disabled.",
	"22": "The mailbox is full because the user has exceeded a per-mailbox administrative quota or physical capacity.  The general semantics implies that the recipient can delete messages to make more space available.  This code should be used as a persistent transient failure.",
	"23": "A per-mailbox administrative message length limit has been exceeded.  This status code should be used when the per-mailbox message length limit is less than the general system limit.  This code should be used as a permanent failure.",
	"24": "The mailbox is a mailing list address and the mailing list was unable to be expanded.  This code may represent a permanent failure or a persistent transient failure. ",
	"30": "The destination system exists and normally accepts mail, but something about the system has caused the generation of this DSN.",
	"31": "Mail system storage has been exceeded.  The general semantics imply that the individual recipient may not be able to delete material to make room for additional messages.  This is useful only as a persistent transient error.",
	"32": "The host on which the mailbox is resident is not accepting messages.  Examples of such conditions include an immanent shutdown, excessive load, or system maintenance.  This is useful for both permanent and permanent transient errors. ",
	"33": "Selected features specified for the message are not supported by the destination system.  This can occur in gateways when features from one domain cannot be mapped onto the supported feature in another.",
	"34": "The message is larger than per-message size limit.  This limit may either be for physical or administrative reasons. This is useful only as a permanent error.",
	"35": "The system is not configured in a manner which will permit it to accept this message.",
	"40": "Something went wrong with the networking, but it is not clear what the problem is, or the problem cannot be well expressed with any of the other provided detail codes.",
	"41": "The outbound connection attempt was not answered, either because the remote system was busy, or otherwise unable to take a call.  This is useful only as a persistent transient error.",
	"42": "The outbound connection was established, but was otherwise unable to complete the message transaction, either because of time-out, or inadequate connection quality. This is useful only as a persistent transient error.",
	"43": "The network system was unable to forward the message, because a directory server was unavailable.  This is useful only as a persistent transient error. The inability to connect to an Internet DNS server is one example of the directory server failure error. ",
	"44": "The mail system was unable to determine the next hop for the message because the necessary routing information was unavailable from the directory server. This is useful for both permanent and persistent transient errors.  A DNS lookup returning only an SOA (Start of Administration) record for a domain name is one example of the unable to route error.",
	"45": "The mail system was unable to deliver the message because the mail system was congested. This is useful only as a persistent transient error.",
	"46": "A routing loop caused the message to be forwarded too many times, either because of incorrect routing tables or a user forwarding loop. This is useful only as a persistent transient error.",
	"47": "The message was considered too old by the rejecting system, either because it remained on that host too long or because the time-to-live value specified by the sender of the message was exceeded. If possible, the code for the actual problem found when delivery was attempted should be returned rather than this code.  This is useful only as a persistent transient error.",
	"50": "Something was wrong with the protocol necessary to deliver the message to the next hop and the problem cannot be well expressed with any of the other provided detail codes.",
	"51": "A mail transaction protocol command was issued which was either out of sequence or unsupported.  This is useful only as a permanent error.",
	"52": "A mail transaction protocol command was issued which could not be interpreted, either because the syntax was wrong or the command is unrecognized. This is useful only as a permanent error.",
	"53": "More recipients were specified for the message than could have been delivered by the protocol.  This error should normally result in the segmentation of the message into two, the remainder of the recipients to be delivered on a subsequent delivery attempt.  It is included in this list in the event that such segmentation is not possible.",
	"54": "A valid mail transaction protocol command was issued with invalid arguments, either because the arguments were out of range or represented unrecognized features. This is useful only as a permanent error. ",
	"55": "A protocol version mismatch existed which could not be automatically resolved by the communicating parties.",
	"60": "Something about the content of a message caused it to be considered undeliverable and the problem cannot be well expressed with any of the other provided detail codes. ",
	"61": "The media of the message is not supported by either the delivery protocol or the next system in the forwarding path. This is useful only as a permanent error.",
	"62": "The content of the message must be converted before it can be delivered and such conversion is not permitted.  Such prohibitions may be the expression of the sender in the message itself or the policy of the sending host.",
	"63": "The message content must be converted to be forwarded but such conversion is not possible or is not practical by a host in the forwarding path.  This condition may result when an ESMTP gateway supports 8bit transport but is not able to downgrade the message to 7 bit as required for the next hop.",
	"64": "This is a warning sent to the sender when message delivery was successfully but when the delivery required a conversion in which some data was lost.  This may also be a permanent error if the sender has indicated that conversion with loss is prohibited for the message.",
	"65": "A conversion was required but was unsuccessful.  This may be useful as a permanent or persistent temporary notification.",
	"70": "Something related to security caused the message to be returned, and the problem cannot be well expressed with any of the other provided detail codes.  This status code may also be used when the condition cannot be further described because of security policies in force.",
	"71": "The sender is not authorized to send to the destination. This can be the result of per-host or per-recipient filtering.  This memo does not discuss the merits of any such filtering, but provides a mechanism to report such. This is useful only as a permanent error.",
	"72": "The sender is not authorized to send a message to the intended mailing list. This is useful only as a permanent error.",
	"73": "A conversion from one secure messaging protocol to another was required for delivery and such conversion was not possible. This is useful only as a permanent error. ",
	"74": "A message contained security features such as secure authentication which could not be supported on the delivery protocol. This is useful only as a permanent error.",
	"75": "A transport system otherwise authorized to validate or decrypt a message in transport was unable to do so because necessary information such as key was not available or such information was invalid.",
	"76": "A transport system otherwise authorized to validate or decrypt a message was unable to do so because the necessary algorithm was not supported. ",
	"77": "A transport system otherwise authorized to validate a message was unable to do so because the message was corrupted or altered.  This may be useful as a permanent, transient persistent, or successful delivery code.",
	"96": "Feedback Loop",
	"97": "Delayed",
	"98": "Not allowed Attachment",
	"99": "Vacation auto-reply",
}

// Describe maps a status code to its human-readable explanation. The
// dot-delimited form is reduced to its middle+final digit pair; codes
// without a table entry map to "unknown".
func Describe(code string) string {
	if code == "" || code == StatusUnknown {
		return StatusUnknown
	}
	digits := strings.ReplaceAll(code, ".", "")
	if len(digits) < 2 {
		return StatusUnknown
	}
	key := digits[1:]
	if len(key) > 2 {
		key = key[:2]
	}
	if len(digits) == 2 {
		// Custom two-digit codes (96-99) are used as-is.
		key = digits
	}
	if desc, ok := statusDescriptions[key]; ok {
		return desc
	}
	return StatusUnknown
}
