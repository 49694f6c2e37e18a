package coordinator

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"n2n-go/pkg/wire"
)

// Store persists the peer-supernode and community tables to per-port files
// (spec.md §4.6 "On startup", §6 "Persisted files"). The on-disk line
// format is this implementation's own choice, gzip-compressed; spec.md
// requires only that a load/save round-trip preserves the in-memory
// structures.
type Store struct {
	Dir  string
	Port int
}

func NewStore(dir string, port int) *Store {
	return &Store{Dir: dir, Port: port}
}

func (s *Store) peersPath() string {
	return filepath.Join(s.Dir, fmt.Sprintf("SN_SNM_%d", s.Port))
}

func (s *Store) communitiesPath() string {
	return filepath.Join(s.Dir, fmt.Sprintf("SN_COMM_%d", s.Port))
}

// Load reads both files. Either file missing is treated as an empty list,
// not an error, since a fresh supernode has no prior state.
func (s *Store) Load() ([]wire.Sock, []CommunityInfo, error) {
	peers, err := s.loadPeers()
	if err != nil {
		return nil, nil, err
	}
	communities, err := s.loadCommunities()
	if err != nil {
		return nil, nil, err
	}
	return peers, communities, nil
}

func (s *Store) loadPeers() ([]wire.Sock, error) {
	lines, err := readGzipLines(s.peersPath())
	if err != nil {
		return nil, err
	}
	peers := make([]wire.Sock, 0, len(lines))
	for _, line := range lines {
		sock, err := parseSock(line)
		if err != nil {
			return nil, fmt.Errorf("coordinator: parse peer line %q: %w", line, err)
		}
		peers = append(peers, sock)
	}
	return peers, nil
}

func (s *Store) loadCommunities() ([]CommunityInfo, error) {
	lines, err := readGzipLines(s.communitiesPath())
	if err != nil {
		return nil, err
	}
	out := make([]CommunityInfo, 0, len(lines))
	for _, line := range lines {
		ci, err := parseCommunityLine(line)
		if err != nil {
			return nil, fmt.Errorf("coordinator: parse community line %q: %w", line, err)
		}
		out = append(out, ci)
	}
	return out, nil
}

// SavePeers rewrites the peer-supernode file.
func (s *Store) SavePeers(peers []wire.Sock) error {
	lines := make([]string, 0, len(peers))
	for _, p := range peers {
		lines = append(lines, p.String())
	}
	return writeGzipLines(s.peersPath(), lines)
}

// SaveCommunities rewrites the community file.
func (s *Store) SaveCommunities(communities []CommunityInfo) error {
	lines := make([]string, 0, len(communities))
	for _, ci := range communities {
		lines = append(lines, formatCommunityLine(ci))
	}
	return writeGzipLines(s.communitiesPath(), lines)
}

func parseSock(line string) (wire.Sock, error) {
	addr, err := net.ResolveUDPAddr("udp", strings.TrimSpace(line))
	if err != nil {
		return wire.Sock{}, err
	}
	return wire.SockFromUDPAddr(addr), nil
}

// Community line format: "<name>\t<persist 0|1>\t<sock1>,<sock2>,...".
func formatCommunityLine(ci CommunityInfo) string {
	socks := make([]string, 0, len(ci.Supernodes))
	for _, s := range ci.Supernodes {
		socks = append(socks, s.String())
	}
	persist := "0"
	if ci.Persist {
		persist = "1"
	}
	return fmt.Sprintf("%s\t%s\t%s", ci.Name.String(), persist, strings.Join(socks, ","))
}

func parseCommunityLine(line string) (CommunityInfo, error) {
	parts := strings.SplitN(line, "\t", 3)
	if len(parts) != 3 {
		return CommunityInfo{}, fmt.Errorf("expected 3 tab-separated fields, got %d", len(parts))
	}
	name, err := wire.CommunityFromString(parts[0])
	if err != nil {
		return CommunityInfo{}, err
	}
	persist, err := strconv.ParseBool(parts[1])
	if err != nil {
		return CommunityInfo{}, err
	}
	ci := CommunityInfo{Name: name, Persist: persist}
	if parts[2] != "" {
		for _, entry := range strings.Split(parts[2], ",") {
			sock, err := parseSock(entry)
			if err != nil {
				return CommunityInfo{}, err
			}
			ci.Supernodes = append(ci.Supernodes, sock)
		}
	}
	return ci, nil
}

func readGzipLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("gzip reader for %s: %w", path, err)
	}
	defer gr.Close()

	var lines []string
	scanner := bufio.NewScanner(gr)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return lines, nil
}

func writeGzipLines(path string, lines []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	gw := gzip.NewWriter(f)
	for _, line := range lines {
		if _, err := gw.Write([]byte(line + "\n")); err != nil {
			gw.Close()
			f.Close()
			return fmt.Errorf("write %s: %w", tmp, err)
		}
	}
	if err := gw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close gzip writer for %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}
