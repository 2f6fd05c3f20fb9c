// Package redisstub is a minimal in-process Redis server for tests. It
// speaks enough RESP to back the pin ledger: hashes, sets, and MULTI/EXEC
// transactions.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	hashes   map[string]map[string]string
	sets     map[string]map[string]struct{}
	closed   chan struct{}
}

func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		hashes:   make(map[string]map[string]string),
		sets:     make(map[string]map[string]struct{}),
		closed:   make(chan struct{}),
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	return s.listener.Close()
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

// reply is a typed RESP response: string for simple strings, []byte for
// bulk strings, int64, nil for bulk nil, respError, or []reply for arrays.
type reply interface{}

type respError string

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	var queued [][]string
	inMulti := false
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			writeReply(writer, respError("ERR wrong number of arguments"))
			continue
		}
		cmd := strings.ToUpper(args[0])
		switch cmd {
		case "PING":
			writeReply(writer, "PONG")
		case "HELLO":
			// Force the client down to RESP2.
			writeReply(writer, respError("ERR unknown command 'hello'"))
		case "AUTH":
			password := args[len(args)-1]
			if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				writeReply(writer, "OK")
			} else {
				writeReply(writer, respError("WRONGPASS invalid username-password pair"))
			}
		case "SELECT", "CLIENT":
			writeReply(writer, "OK")
		case "MULTI":
			inMulti = true
			queued = queued[:0]
			writeReply(writer, "OK")
		case "DISCARD":
			inMulti = false
			queued = queued[:0]
			writeReply(writer, "OK")
		case "EXEC":
			if !inMulti {
				writeReply(writer, respError("ERR EXEC without MULTI"))
				break
			}
			inMulti = false
			replies := make([]reply, 0, len(queued))
			for _, queuedArgs := range queued {
				replies = append(replies, s.apply(queuedArgs))
			}
			queued = queued[:0]
			writeReply(writer, replies)
		default:
			if !authenticated {
				writeReply(writer, respError("NOAUTH Authentication required."))
				break
			}
			if inMulti {
				queued = append(queued, args)
				writeReply(writer, "QUEUED")
				break
			}
			writeReply(writer, s.apply(args))
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) apply(args []string) reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch strings.ToUpper(args[0]) {
	case "HSET":
		if len(args) < 4 || len(args)%2 != 0 {
			return respError("ERR wrong number of arguments for 'hset'")
		}
		hash := s.hashes[args[1]]
		if hash == nil {
			hash = make(map[string]string)
			s.hashes[args[1]] = hash
		}
		var added int64
		for i := 2; i+1 < len(args); i += 2 {
			if _, exists := hash[args[i]]; !exists {
				added++
			}
			hash[args[i]] = args[i+1]
		}
		return added
	case "HGET":
		if len(args) != 3 {
			return respError("ERR wrong number of arguments for 'hget'")
		}
		hash, ok := s.hashes[args[1]]
		if !ok {
			return nil
		}
		value, ok := hash[args[2]]
		if !ok {
			return nil
		}
		return []byte(value)
	case "HGETALL":
		if len(args) != 2 {
			return respError("ERR wrong number of arguments for 'hgetall'")
		}
		hash := s.hashes[args[1]]
		out := make([]reply, 0, len(hash)*2)
		for k, v := range hash {
			out = append(out, []byte(k), []byte(v))
		}
		return out
	case "HINCRBY":
		if len(args) != 4 {
			return respError("ERR wrong number of arguments for 'hincrby'")
		}
		delta, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil {
			return respError("ERR value is not an integer or out of range")
		}
		hash := s.hashes[args[1]]
		if hash == nil {
			hash = make(map[string]string)
			s.hashes[args[1]] = hash
		}
		current, _ := strconv.ParseInt(hash[args[2]], 10, 64)
		current += delta
		hash[args[2]] = strconv.FormatInt(current, 10)
		return current
	case "SADD":
		if len(args) < 3 {
			return respError("ERR wrong number of arguments for 'sadd'")
		}
		set := s.sets[args[1]]
		if set == nil {
			set = make(map[string]struct{})
			s.sets[args[1]] = set
		}
		var added int64
		for _, member := range args[2:] {
			if _, exists := set[member]; !exists {
				set[member] = struct{}{}
				added++
			}
		}
		return added
	case "SREM":
		if len(args) < 3 {
			return respError("ERR wrong number of arguments for 'srem'")
		}
		set := s.sets[args[1]]
		var removed int64
		for _, member := range args[2:] {
			if _, exists := set[member]; exists {
				delete(set, member)
				removed++
			}
		}
		return removed
	case "SMEMBERS":
		if len(args) != 2 {
			return respError("ERR wrong number of arguments for 'smembers'")
		}
		set := s.sets[args[1]]
		out := make([]reply, 0, len(set))
		for member := range set {
			out = append(out, []byte(member))
		}
		return out
	case "DEL":
		if len(args) < 2 {
			return respError("ERR wrong number of arguments for 'del'")
		}
		var removed int64
		for _, key := range args[1:] {
			if _, ok := s.hashes[key]; ok {
				delete(s.hashes, key)
				removed++
			}
			if _, ok := s.sets[key]; ok {
				delete(s.sets, key)
				removed++
			}
		}
		return removed
	default:
		return respError("ERR unsupported command '" + args[0] + "'")
	}
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeReply(w *bufio.Writer, r reply) {
	switch v := r.(type) {
	case nil:
		w.WriteString("$-1\r\n")
	case string:
		fmt.Fprintf(w, "+%s\r\n", v)
	case respError:
		fmt.Fprintf(w, "-%s\r\n", string(v))
	case []byte:
		fmt.Fprintf(w, "$%d\r\n", len(v))
		w.Write(v)
		w.WriteString("\r\n")
	case int64:
		fmt.Fprintf(w, ":%d\r\n", v)
	case []reply:
		fmt.Fprintf(w, "*%d\r\n", len(v))
		for _, item := range v {
			writeReply(w, item)
		}
	default:
		fmt.Fprintf(w, "+%v\r\n", v)
	}
}
