package game

import (
	"fmt"
	"strconv"
	"strings"
)

// RConColour is the text colour of remote console replies.
const RConColour uint16 = 0x0F

// DefaultRCon is the built-in remote console. It knows a handful of
// administration commands; anything else is answered with an error line.
func DefaultRCon(s *Server, command string) []string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil
	}
	args := fields[1:]

	switch strings.ToLower(fields[0]) {
	case "clients":
		var lines []string
		for _, ci := range s.state.Clients() {
			lines = append(lines, "Client "+formatClient(ci))
		}
		if len(lines) == 0 {
			lines = append(lines, "no clients")
		}
		return lines

	case "status":
		st := s.state
		return []string{
			fmt.Sprintf("frame %d, max %d, last sync %d", st.FrameCounter, st.FrameCounterMax, st.LastSyncFrame),
			fmt.Sprintf("%d clients connected", s.activeClients()),
		}

	case "kick":
		if len(args) == 0 {
			return []string{"usage: kick <client-id> [reason]"}
		}
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil || ClientID(id) == ClientIDServer {
			return []string{"invalid client id: " + args[0]}
		}
		if !s.Kick(ClientID(id), strings.Join(args[1:], " ")) {
			return []string{"no client with id " + args[0]}
		}
		return []string{"kicked client " + args[0]}

	case "ban":
		if len(args) != 1 {
			return []string{"usage: ban <address|netmask>"}
		}
		n := s.Ban(args[0])
		return []string{fmt.Sprintf("banned %s, %d client(s) kicked", args[0], n)}

	case "unban":
		if len(args) != 1 {
			return []string{"usage: unban <address|netmask>"}
		}
		if !s.state.Unban(args[0]) {
			return []string{args[0] + " is not banned"}
		}
		return []string{"unbanned " + args[0]}

	case "banlist":
		if len(s.state.BanList) == 0 {
			return []string{"ban list is empty"}
		}
		return append([]string(nil), s.state.BanList...)

	case "say":
		if len(args) == 0 {
			return []string{"usage: say <message>"}
		}
		s.SendChat(ActionServerMessage, strings.Join(args, " "))
		return []string{"sent"}

	default:
		return []string{"unknown command: " + fields[0]}
	}
}
