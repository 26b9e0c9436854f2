package diffmodel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeUnifiedDiff_IdenticalInputsReturnNoChanges(t *testing.T) {
	got := ComputeUnifiedDiff("a\nb\nc\n", "a\nb\nc\n", "f.go", 3)
	assert.Equal(t, NoChanges, got)
}

func TestComputeUnifiedDiff_SingleLineEdit(t *testing.T) {
	original := "line1\nline2\nline3\n"
	modified := "line1\nCHANGED\nline3\n"

	got := ComputeUnifiedDiff(original, modified, "pkg/file.go", 3)

	require.True(t, strings.HasPrefix(got, "--- a/pkg/file.go\n+++ b/pkg/file.go\n"), got)
	assert.Contains(t, got, "-line2")
	assert.Contains(t, got, "+CHANGED")
	assert.Contains(t, got, " line1")
	assert.Contains(t, got, " line3")
}

func TestComputeUnifiedDiff_Append(t *testing.T) {
	original := "a\nb\n"
	modified := "a\nb\nc\n"

	got := ComputeUnifiedDiff(original, modified, "f.txt", 3)
	assert.Contains(t, got, "+c")
}

func TestComputeUnifiedDiff_DistantChangesProduceSeparateHunks(t *testing.T) {
	var origLines, modLines []string
	for i := 0; i < 40; i++ {
		origLines = append(origLines, "ctx")
		modLines = append(modLines, "ctx")
	}
	origLines[2] = "OLD-A"
	modLines[2] = "NEW-A"
	origLines[35] = "OLD-B"
	modLines[35] = "NEW-B"

	got := ComputeUnifiedDiff(strings.Join(origLines, "\n")+"\n", strings.Join(modLines, "\n")+"\n", "f.txt", 3)

	assert.Equal(t, 2, strings.Count(got, "@@ -"), got)
}

func TestComputeUnifiedDiff_NearbyChangesMergeIntoOneHunk(t *testing.T) {
	var origLines, modLines []string
	for i := 0; i < 20; i++ {
		origLines = append(origLines, "ctx")
		modLines = append(modLines, "ctx")
	}
	origLines[5] = "OLD-A"
	modLines[5] = "NEW-A"
	origLines[10] = "OLD-B" // gap of 4 lines, within 2*context=6
	modLines[10] = "NEW-B"

	got := ComputeUnifiedDiff(strings.Join(origLines, "\n")+"\n", strings.Join(modLines, "\n")+"\n", "f.txt", 3)

	assert.Equal(t, 1, strings.Count(got, "@@ -"), got)
}

func TestComputeUnifiedDiff_CRLFStripped(t *testing.T) {
	original := "a\r\nb\r\n"
	modified := "a\r\nB\r\n"

	got := ComputeUnifiedDiff(original, modified, "f.txt", 3)
	assert.NotContains(t, got, "\r")
}

func TestComputeUnifiedDiff_FallbackForHugeInputs(t *testing.T) {
	bigA := make([]string, 6000)
	bigB := make([]string, 6000)
	for i := range bigA {
		bigA[i] = "line"
		bigB[i] = "line"
	}
	bigB[3000] = "different"

	got := ComputeUnifiedDiff(strings.Join(bigA, "\n")+"\n", strings.Join(bigB, "\n")+"\n", "huge.txt", 3)
	assert.Contains(t, got, "-line")
	assert.Contains(t, got, "+different")
}

func TestParseChangedLineRanges_EmptyInput(t *testing.T) {
	assert.Nil(t, ParseChangedLineRanges(""))
	assert.Nil(t, ParseChangedLineRanges(NoChanges))
}

func TestParseChangedLineRanges_SingleHunk(t *testing.T) {
	diff := "--- a/f.go\n+++ b/f.go\n@@ -1,3 +1,3 @@\n a\n-b\n+B\n c\n"
	ranges := ParseChangedLineRanges(diff)
	require.Len(t, ranges, 1)
	assert.Equal(t, LineRange{Start: 1, End: 3}, ranges[0])
}

func TestParseChangedLineRanges_MultipleHunks(t *testing.T) {
	diff := "--- a/f.go\n+++ b/f.go\n@@ -1,2 +1,2 @@\n a\n-b\n+B\n@@ -10,1 +10,1 @@\n-x\n+X\n"
	ranges := ParseChangedLineRanges(diff)
	require.Len(t, ranges, 2)
	assert.Equal(t, LineRange{Start: 1, End: 2}, ranges[0])
	assert.Equal(t, LineRange{Start: 10, End: 10}, ranges[1])
}

func TestParseChangedLineRanges_ZeroCountElided(t *testing.T) {
	diff := "--- a/f.go\n+++ b/f.go\n@@ -1,3 +1,0 @@\n-a\n-b\n-c\n"
	assert.Nil(t, ParseChangedLineRanges(diff))
}

func TestParseChangedLineRanges_SingleLineHunkImpliesCountOne(t *testing.T) {
	diff := "--- a/f.go\n+++ b/f.go\n@@ -5 +5 @@\n-old\n+new\n"
	ranges := ParseChangedLineRanges(diff)
	require.Len(t, ranges, 1)
	assert.Equal(t, LineRange{Start: 5, End: 5}, ranges[0])
}

func TestAddLineNumbers_Basic(t *testing.T) {
	got := AddLineNumbers("alpha\nbeta\ngamma")
	want := "1 | alpha\n2 | beta\n3 | gamma"
	assert.Equal(t, want, got)
}

func TestAddLineNumbers_WidthAligned(t *testing.T) {
	var lines []string
	for i := 0; i < 11; i++ {
		lines = append(lines, "x")
	}
	got := AddLineNumbers(strings.Join(lines, "\n"))
	linesOut := strings.Split(got, "\n")
	require.Len(t, linesOut, 11)
	assert.Equal(t, " 1 | x", linesOut[0])
	assert.Equal(t, "11 | x", linesOut[10])
}

func TestAddLineNumbers_Empty(t *testing.T) {
	assert.Equal(t, "", AddLineNumbers(""))
}

func TestRoundTrip_ChangedRangesCoverEveryDifferingLine(t *testing.T) {
	original := "one\ntwo\nthree\nfour\nfive\n"
	modified := "one\ntwo\nTHREE\nfour\nFIVE\n"

	diff := ComputeUnifiedDiff(original, modified, "f.txt", 3)
	ranges := ParseChangedLineRanges(diff)

	inRange := func(line int) bool {
		for _, r := range ranges {
			if line >= r.Start && line <= r.End {
				return true
			}
		}
		return false
	}
	assert.True(t, inRange(3)) // THREE
	assert.True(t, inRange(5)) // FIVE
}
