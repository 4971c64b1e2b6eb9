package pipeline

import (
	"reflect"
	"testing"
)

func TestPrerequisites(t *testing.T) {
	tests := []struct {
		stage Stage
		want  []Stage
	}{
		{StageDocuments, nil},
		{StageExtraction, []Stage{StageDocuments}},
		{StageChunking, []Stage{StageDocuments, StageExtraction}},
		{StageAgent, []Stage{StageDocuments, StageExtraction, StageChunking, StageEmbedding, StageIndex, StageSource}},
	}
	for _, tt := range tests {
		got := Prerequisites(tt.stage)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Prerequisites(%s) = %v, want %v", tt.stage, got, tt.want)
		}
	}
}

func TestPrerequisite(t *testing.T) {
	if got := Prerequisite(StageChunking); got != StageExtraction {
		t.Errorf("Prerequisite(chunking) = %s, want extraction", got)
	}
	if got := Prerequisite(StageExtraction); got != StageDocuments {
		t.Errorf("Prerequisite(extraction) = %s, want documents", got)
	}
}

func TestDependents(t *testing.T) {
	tests := []struct {
		stage Stage
		want  []Stage
	}{
		{StageAgent, nil},
		{StageSource, []Stage{StageAgent}},
		{StageChunking, []Stage{StageEmbedding, StageIndex, StageSource, StageAgent}},
		{StageExtraction, []Stage{StageChunking, StageEmbedding, StageIndex, StageSource, StageAgent}},
	}
	for _, tt := range tests {
		got := Dependents(tt.stage)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Dependents(%s) = %v, want %v", tt.stage, got, tt.want)
		}
	}
}

func TestCascadeSet(t *testing.T) {
	tests := []struct {
		name    string
		stage   Stage
		cascade bool
		want    []Stage
	}{
		{"no cascade", StageChunking, false, []Stage{StageChunking}},
		{"cascade mid", StageChunking, true, []Stage{StageChunking, StageEmbedding, StageIndex, StageSource, StageAgent}},
		{"cascade last", StageAgent, true, []Stage{StageAgent}},
		{"cascade extraction", StageExtraction, true, []Stage{StageExtraction, StageChunking, StageEmbedding, StageIndex, StageSource, StageAgent}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CascadeSet(tt.stage, tt.cascade)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("CascadeSet(%s, %t) = %v, want %v", tt.stage, tt.cascade, got, tt.want)
			}
		})
	}
}

func TestCascadeSetPipelineOrder(t *testing.T) {
	set := CascadeSet(StageEmbedding, true)
	for i := 1; i < len(set); i++ {
		if !after(set[i], set[i-1]) {
			t.Errorf("cascade set out of pipeline order: %v", set)
		}
	}
}

func TestValid(t *testing.T) {
	if !Valid(StageEmbedding) {
		t.Error("embedding should be valid")
	}
	if Valid(Stage("compression")) {
		t.Error("unknown stage should not be valid")
	}
}

func TestIsRunnable(t *testing.T) {
	if IsRunnable(StageDocuments) {
		t.Error("documents is input, not runnable")
	}
	for _, s := range Runnable {
		if !IsRunnable(s) {
			t.Errorf("%s should be runnable", s)
		}
	}
}

func TestIsRemote(t *testing.T) {
	remote := map[Stage]bool{StageIndex: true, StageSource: true, StageAgent: true}
	for _, s := range Order {
		if got := IsRemote(s); got != remote[s] {
			t.Errorf("IsRemote(%s) = %t, want %t", s, got, remote[s])
		}
	}
}
