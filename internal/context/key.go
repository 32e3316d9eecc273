package context

import "strings"

var keyEscaper = strings.NewReplacer(`\`, `\\`, `_`, `\_`)

// SessionKey identifies one conversation thread: a participant in a channel.
// Both ids are escaped before joining so distinct pairs never collide;
// ids without '_' or '\' produce the plain "participant_channel" form.
func SessionKey(participantID, channelID string) string {
	return keyEscaper.Replace(participantID) + "_" + keyEscaper.Replace(channelID)
}
