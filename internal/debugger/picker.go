package debugger

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Pick предлагает выбрать профиль: по номеру или имени.
// Один профиль выбирается без вопроса. Неверный ввод — повторный запрос.
func Pick(profiles []Profile, in io.Reader, out io.Writer) (Profile, error) {
	if len(profiles) == 0 {
		return Profile{}, ErrNoProfiles
	}
	if len(profiles) == 1 {
		fmt.Fprintf(out, "Using profile %q\n", profiles[0].Name)
		return profiles[0], nil
	}

	fmt.Fprintln(out, "Debug profiles:")
	for i, p := range profiles {
		if p.Description != "" {
			fmt.Fprintf(out, "  %d) %s - %s\n", i+1, p.Name, p.Description)
		} else {
			fmt.Fprintf(out, "  %d) %s\n", i+1, p.Name)
		}
	}

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "Select profile: ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return Profile{}, fmt.Errorf("read selection: %w", err)
			}
			return Profile{}, ErrNoSelection
		}

		answer := strings.TrimSpace(scanner.Text())
		if p, ok := match(profiles, answer); ok {
			return p, nil
		}
		fmt.Fprintf(out, "Unknown profile %q\n", answer)
	}
}

func match(profiles []Profile, answer string) (Profile, bool) {
	if n, err := strconv.Atoi(answer); err == nil {
		if n >= 1 && n <= len(profiles) {
			return profiles[n-1], true
		}
		return Profile{}, false
	}
	for _, p := range profiles {
		if strings.EqualFold(p.Name, answer) {
			return p, true
		}
	}
	return Profile{}, false
}
